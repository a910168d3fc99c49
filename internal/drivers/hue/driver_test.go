package hue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/homehub/internal/config"
	"github.com/nerrad567/homehub/internal/driver"
)

func newTestBridge(t *testing.T, bri *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/config", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(bridgeConfig{BridgeID: "BRIDGE1"})
	})
	mux.HandleFunc("/api/testkey/config", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(bridgeConfig{BridgeID: "BRIDGE1", ModelID: "BSB002"})
	})
	mux.HandleFunc("/api/testkey/lights", func(w http.ResponseWriter, r *http.Request) {
		lights := map[string]hueLight{"1": {Name: "Lamp"}}
		lights["1"] = hueLight{Name: "Lamp"}
		l := lights["1"]
		l.State.On = true
		l.State.Bri = int(atomic.LoadInt32(bri))
		lights["1"] = l
		json.NewEncoder(w).Encode(lights)
	})
	mux.HandleFunc("/api/testkey/groups", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]hueGroup{})
	})
	mux.HandleFunc("/api/testkey/lights/1/state", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]registerResult{})
	})
	srv := httptest.NewTLSServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func bridgeAddress(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "https://")
}

func TestDriverEntitiesListsLights(t *testing.T) {
	bri := int32(100)
	srv := newTestBridge(t, &bri)

	d := New(config.HueConfig{BridgeAddress: bridgeAddress(srv)}, "hub1", nil)
	d.sessionFor("bridge-1").apiKey = "testkey"

	ctx := context.Background()
	entities, err := d.Entities(ctx, "bridge-1")
	if err != nil {
		t.Fatalf("Entities: %v", err)
	}
	if len(entities) != 1 || entities[0].ID != "light-1" || entities[0].Kind != driver.KindLight {
		t.Fatalf("entities = %+v", entities)
	}
}

func TestDriverSubscribeDispatchesOnChange(t *testing.T) {
	bri := int32(50)
	srv := newTestBridge(t, &bri)

	d := New(config.HueConfig{BridgeAddress: bridgeAddress(srv), PollIntervalMs: 20}, "hub1", nil)
	s := d.sessionFor("bridge-1")
	s.apiKey = "testkey"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Connect(ctx, "bridge-1", bridgeAddress(srv)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer d.Disconnect(context.Background(), "bridge-1")

	received := make(chan map[string]any, 4)
	unsub, err := d.Subscribe(ctx, "light-1", func(_ string, state map[string]any) {
		received <- state
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	select {
	case state := <-received:
		if state["state"] != true {
			t.Errorf("state[state] = %v, want true", state["state"])
		}
	case <-time.After(1500 * time.Millisecond):
		t.Fatal("no state change observed within deadline")
	}
}

func TestDriverInvokeBrightnessScalesTo254(t *testing.T) {
	bri := int32(0)
	srv := newTestBridge(t, &bri)

	d := New(config.HueConfig{BridgeAddress: bridgeAddress(srv)}, "hub1", nil)
	d.sessionFor("bridge-1").apiKey = "testkey"

	result, err := d.Invoke(context.Background(), "light-1", driver.Command{Capability: "brightness", Value: float64(100)})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !result.OK {
		t.Fatalf("result = %+v, want OK", result)
	}

	body, err := lightCommandBody(driver.Command{Capability: "brightness", Value: float64(100)})
	if err != nil {
		t.Fatalf("lightCommandBody: %v", err)
	}
	if body["bri"] != 254 {
		t.Errorf("bri = %v, want 254", body["bri"])
	}
}

func TestRGBToXYIsWithinUnitSquare(t *testing.T) {
	x, y := rgbToXY(255, 0, 0)
	if x <= 0 || x >= 1 || y <= 0 || y >= 1 {
		t.Errorf("rgbToXY(red) = (%v, %v), want values in (0,1)", x, y)
	}
}
