package esphome

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nerrad567/homehub/internal/config"
	"github.com/nerrad567/homehub/internal/driver"
)

// fakeESPHomeServer speaks just enough of the handshake and entity flow
// to exercise Driver.Connect/Entities/Subscribe/Invoke against a real
// TCP socket, without a real device.
func fakeESPHomeServer(t *testing.T, stateValue float32) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := newFrameReader(conn)

		// Hello
		if _, err := reader.readFrame(); err != nil {
			return
		}
		if err := writeFrame(conn, msgHelloResponse, nil); err != nil {
			return
		}

		// Auth
		if _, err := reader.readFrame(); err != nil {
			return
		}
		w := fieldWriter{}
		w.boolField(fieldInvalidAuth, false)
		if err := writeFrame(conn, msgAuthResponse, w.bytesOut()); err != nil {
			return
		}

		// DeviceInfoRequest (ignored) then ListEntitiesRequest
		for {
			f, err := reader.readFrame()
			if err != nil {
				return
			}
			if f.msgType == msgListEntitiesRequest {
				break
			}
		}
		ew := fieldWriter{}
		ew.varint(fieldKey, 42)
		ew.stringField(fieldName, "Temperature")
		ew.stringField(fieldObjectID, "temperature")
		if err := writeFrame(conn, msgListEntitiesSensor, ew.bytesOut()); err != nil {
			return
		}
		if err := writeFrame(conn, msgListEntitiesDone, nil); err != nil {
			return
		}

		// SubscribeStatesRequest, then push one sensor state (delayed to
		// give the test time to call Subscribe first).
		if _, err := reader.readFrame(); err != nil {
			return
		}
		time.Sleep(150 * time.Millisecond)
		sw := fieldWriter{}
		sw.varint(fieldKey, 42)
		sw.float32Field(fieldValue, stateValue)
		sw.stringField(fieldUnit, "C")
		if err := writeFrame(conn, msgSensorState, sw.bytesOut()); err != nil {
			return
		}

		// Keep reading (pings, commands) until the connection closes.
		for {
			if _, err := reader.readFrame(); err != nil {
				return
			}
		}
	}()

	return ln.Addr().String()
}

func TestDriverConnectEnumeratesAndSubscribesEntity(t *testing.T) {
	addr := fakeESPHomeServer(t, 21.5)

	d := New(config.ESPHomeConfig{
		PingIntervalMs:      60000,
		ReconnectIntervalMs: 60000,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.Connect(ctx, "dev-1", addr); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer d.Disconnect(context.Background(), "dev-1")

	entities, err := d.Entities(ctx, "dev-1")
	if err != nil {
		t.Fatalf("Entities: %v", err)
	}
	if len(entities) != 1 || entities[0].Kind != driver.KindSensor {
		t.Fatalf("entities = %+v, want one sensor", entities)
	}
	entityID := entities[0].ID
	if entityID != "dev-1:temperature" {
		t.Errorf("entityID = %q, want dev-1:temperature", entityID)
	}

	received := make(chan map[string]any, 1)
	unsub, err := d.Subscribe(ctx, entityID, func(_ string, state map[string]any) {
		received <- state
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	select {
	case state := <-received:
		if state["value"] != float32(21.5) {
			t.Errorf("state[value] = %v, want 21.5", state["value"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no state received within deadline")
	}
}

// fakeESPHomeAuthRejectServer completes Hello but responds to AuthRequest
// with invalid=true, the way a device rejects a wrong password.
func fakeESPHomeAuthRejectServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := newFrameReader(conn)

		if _, err := reader.readFrame(); err != nil {
			return
		}
		if err := writeFrame(conn, msgHelloResponse, nil); err != nil {
			return
		}

		if _, err := reader.readFrame(); err != nil {
			return
		}
		w := fieldWriter{}
		w.boolField(fieldInvalidAuth, true)
		if err := writeFrame(conn, msgAuthResponse, w.bytesOut()); err != nil {
			return
		}

		// The client should close its side after the rejection; keep
		// reading until that happens so the goroutine exits cleanly.
		for {
			if _, err := reader.readFrame(); err != nil {
				return
			}
		}
	}()

	return ln.Addr().String()
}

func TestDriverConnectFailsOnAuthRejection(t *testing.T) {
	addr := fakeESPHomeAuthRejectServer(t)

	d := New(config.ESPHomeConfig{
		PingIntervalMs:      60000,
		ReconnectIntervalMs: 60000,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.Connect(ctx, "dev-reject", addr); err == nil {
		t.Fatal("Connect should fail when the device rejects authentication")
	}

	if _, ok := d.connection("dev-reject"); ok {
		t.Fatal("a rejected connection must not be stored in the driver's connection table")
	}

	if _, found, err := d.DeviceInfo(ctx, "dev-reject"); err != nil || found {
		t.Fatalf("DeviceInfo = (found=%v, err=%v), want found=false, err=nil", found, err)
	}

	if _, err := d.Entities(ctx, "dev-reject"); err == nil {
		t.Fatal("Entities should fail for a device that never completed the handshake")
	}
}

func TestDriverDiscoverReturnsConfiguredDevices(t *testing.T) {
	d := New(config.ESPHomeConfig{
		Devices: []config.ESPHomeDeviceConfig{{Address: "10.0.0.5:6053", Password: "secret"}},
	}, nil)

	descriptors, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(descriptors) != 1 || descriptors[0].Address != "10.0.0.5:6053" {
		t.Fatalf("descriptors = %+v", descriptors)
	}
}
