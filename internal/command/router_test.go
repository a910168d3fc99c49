package command

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/homehub/internal/driver"
	"github.com/nerrad567/homehub/internal/registry"
)

type fakeResolver struct {
	entity registry.Entity
	device registry.Device
}

func (f fakeResolver) GetEntity(ctx context.Context, id string) (registry.Entity, error) {
	if id != f.entity.ID {
		return registry.Entity{}, errors.New("entity not found")
	}
	return f.entity, nil
}

func (f fakeResolver) GetDevice(ctx context.Context, id string) (registry.Device, error) {
	if id != f.device.ID {
		return registry.Device{}, errors.New("device not found")
	}
	return f.device, nil
}

type fakeDriverResolver struct {
	protocol string
	drv      driver.Driver
}

func (f fakeDriverResolver) Get(protocol string) (driver.Driver, error) {
	if protocol != f.protocol {
		return nil, errors.New("driver not found")
	}
	return f.drv, nil
}

// scriptedDriver returns a fixed sequence of results/errors across
// successive Invoke calls, then repeats the last entry.
type scriptedDriver struct {
	driver.Driver
	mu      sync.Mutex
	calls   int
	script  []scriptedInvoke
	delay   time.Duration
	invoked atomic.Int32
}

type scriptedInvoke struct {
	result driver.Result
	err    error
}

func (d *scriptedDriver) Invoke(ctx context.Context, entityID string, cmd driver.Command) (driver.Result, error) {
	d.invoked.Add(1)
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.calls
	if idx >= len(d.script) {
		idx = len(d.script) - 1
	}
	d.calls++
	step := d.script[idx]
	return step.result, step.err
}

func testConfig() Config {
	return Config{
		RateLimitWindow:          time.Second,
		RateLimitMax:             2,
		CoalesceWindow:           20 * time.Millisecond,
		MaxRetries:               3,
		RetryBackoff:             5 * time.Millisecond,
		RetryBackoffCap:          20 * time.Millisecond,
		CoalesceableCapabilities: map[string]struct{}{"brightness": {}},
	}
}

func newTestRouter(drv driver.Driver) (*Router, fakeResolver) {
	resolver := fakeResolver{
		entity: registry.Entity{ID: "entity-1", DeviceID: "device-1"},
		device: registry.Device{ID: "device-1", Protocol: "esphome"},
	}
	resolvers := fakeDriverResolver{protocol: "esphome", drv: drv}
	return New(testConfig(), resolver, resolvers, nil, nil), resolver
}

func TestProcessCommandSucceedsOnFirstTry(t *testing.T) {
	drv := &scriptedDriver{script: []scriptedInvoke{{result: driver.Result{OK: true}}}}
	r, _ := newTestRouter(drv)

	result, err := r.ProcessCommand(context.Background(), Request{EntityID: "entity-1", Capability: "on"})
	if err != nil {
		t.Fatalf("ProcessCommand: %v", err)
	}
	if !result.Success {
		t.Fatalf("got Success=false, want true: %+v", result)
	}
	if drv.invoked.Load() != 1 {
		t.Fatalf("invoked %d times, want 1", drv.invoked.Load())
	}
}

func TestProcessCommandRetriesThenSucceeds(t *testing.T) {
	drv := &scriptedDriver{script: []scriptedInvoke{
		{result: driver.Result{OK: false, Error: "transient"}},
		{result: driver.Result{OK: false, Error: "transient"}},
		{result: driver.Result{OK: true}},
	}}
	r, _ := newTestRouter(drv)

	result, err := r.ProcessCommand(context.Background(), Request{EntityID: "entity-1", Capability: "on"})
	if err != nil {
		t.Fatalf("ProcessCommand: %v", err)
	}
	if !result.Success {
		t.Fatalf("got Success=false after retries, want true")
	}
	if drv.invoked.Load() != 3 {
		t.Fatalf("invoked %d times, want 3", drv.invoked.Load())
	}
}

func TestProcessCommandFailsAfterExhaustingRetries(t *testing.T) {
	drv := &scriptedDriver{script: []scriptedInvoke{{result: driver.Result{OK: false, Error: "nope"}}}}
	r, _ := newTestRouter(drv)

	result, err := r.ProcessCommand(context.Background(), Request{EntityID: "entity-1", Capability: "on"})
	if err != nil {
		t.Fatalf("ProcessCommand: %v", err)
	}
	if result.Success {
		t.Fatal("got Success=true, want false")
	}
	if drv.invoked.Load() != 3 {
		t.Fatalf("invoked %d times, want MaxRetries=3", drv.invoked.Load())
	}
}

func TestProcessCommandDeduplicatesConcurrentSameKey(t *testing.T) {
	drv := &scriptedDriver{script: []scriptedInvoke{{result: driver.Result{OK: true}}}, delay: 30 * time.Millisecond}
	r, _ := newTestRouter(drv)

	var wg sync.WaitGroup
	results := make([]Result, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.ProcessCommand(context.Background(), Request{EntityID: "entity-1", Capability: "on"})
			if err != nil {
				t.Errorf("ProcessCommand: %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	if drv.invoked.Load() != 1 {
		t.Fatalf("invoked %d times, want exactly 1 (single-flight)", drv.invoked.Load())
	}
	for i, res := range results {
		if !res.Success {
			t.Errorf("result[%d].Success = false, want true", i)
		}
	}
}

func TestProcessCommandRateLimitsExcessRequests(t *testing.T) {
	drv := &scriptedDriver{script: []scriptedInvoke{{result: driver.Result{OK: true}}}}
	r, _ := newTestRouter(drv)

	// Each call uses a distinct capability so single-flight doesn't collapse them.
	for i := 0; i < 2; i++ {
		if _, err := r.ProcessCommand(context.Background(), Request{EntityID: "entity-1", Capability: "cap" + string(rune('a'+i))}); err != nil {
			t.Fatalf("ProcessCommand %d: %v", i, err)
		}
	}
	if _, err := r.ProcessCommand(context.Background(), Request{EntityID: "entity-1", Capability: "capz"}); err == nil {
		t.Fatal("expected rate limit error on third distinct command within window")
	}
}

func TestCoalescedCommandsDropSupersededAndDispatchLatest(t *testing.T) {
	drv := &scriptedDriver{script: []scriptedInvoke{{result: driver.Result{OK: true}}}}
	r, _ := newTestRouter(drv)
	r.RunCoalescer(context.Background())
	defer r.StopCoalescer()

	var wg sync.WaitGroup
	results := make([]Result, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.ProcessCommand(context.Background(), Request{EntityID: "entity-1", Capability: "brightness", Value: i})
			if err != nil {
				t.Errorf("ProcessCommand: %v", err)
				return
			}
			results[i] = res
		}(i)
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()

	for i, res := range results {
		if !res.Success {
			t.Errorf("result[%d].Success = false, want true", i)
		}
	}
	if drv.invoked.Load() < 1 {
		t.Fatal("expected at least one dispatched invocation from the coalesce queue")
	}
}

func TestClearResetsAllTables(t *testing.T) {
	drv := &scriptedDriver{script: []scriptedInvoke{{result: driver.Result{OK: true}}}}
	r, _ := newTestRouter(drv)

	if _, err := r.ProcessCommand(context.Background(), Request{EntityID: "entity-1", Capability: "on"}); err != nil {
		t.Fatalf("ProcessCommand: %v", err)
	}
	r.Clear()

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.rateLimits) != 0 || len(r.coalesce) != 0 {
		t.Fatal("Clear did not reset all tables")
	}
}
