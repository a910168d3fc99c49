// Package command implements the router that turns a normalized
// entity command into a driver invocation: at-most-one in-flight
// invocation per entity+capability, a sliding-window rate limit, retry
// with exponential backoff, and window-based coalescing for
// rapid-update capabilities like brightness sliders.
package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/homehub/internal/apperror"
	"github.com/nerrad567/homehub/internal/bus"
	"github.com/nerrad567/homehub/internal/config"
	"github.com/nerrad567/homehub/internal/driver"
	"github.com/nerrad567/homehub/internal/logging"
	"github.com/nerrad567/homehub/internal/registry"
)

// Request is a normalized instruction submitted to ProcessCommand.
type Request struct {
	EntityID   string
	Capability string
	Value      any
}

// Result is what a caller of ProcessCommand eventually observes.
type Result struct {
	Success bool
	Error   string
	Latency time.Duration
}

// EntityResolver resolves the entity/device link a command needs to
// reach a driver. registry.Registry satisfies this.
type EntityResolver interface {
	GetEntity(ctx context.Context, id string) (registry.Entity, error)
	GetDevice(ctx context.Context, id string) (registry.Device, error)
}

// DriverResolver looks up the driver registered for a protocol tag.
// driver.Registry satisfies this.
type DriverResolver interface {
	Get(protocol string) (driver.Driver, error)
}

// Config holds the router's tunables, converted from the YAML
// millisecond fields in config.CommandConfig into Durations once at
// construction.
type Config struct {
	RateLimitWindow          time.Duration
	RateLimitMax             int
	CoalesceWindow           time.Duration
	MaxRetries               int
	RetryBackoff             time.Duration
	RetryBackoffCap          time.Duration
	CoalesceableCapabilities map[string]struct{}
}

// ConfigFromYAML converts the daemon's YAML command section into a
// router Config.
func ConfigFromYAML(c config.CommandConfig) Config {
	set := make(map[string]struct{}, len(c.CoalesceableCapabilities))
	for _, capability := range c.CoalesceableCapabilities {
		set[capability] = struct{}{}
	}
	return Config{
		RateLimitWindow:          time.Duration(c.RateLimitWindowMs) * time.Millisecond,
		RateLimitMax:             c.RateLimitMax,
		CoalesceWindow:           time.Duration(c.CoalesceWindowMs) * time.Millisecond,
		MaxRetries:               c.MaxRetries,
		RetryBackoff:             time.Duration(c.RetryBackoffMs) * time.Millisecond,
		RetryBackoffCap:          time.Duration(c.RetryBackoffCapMs) * time.Millisecond,
		CoalesceableCapabilities: set,
	}
}

type rateLimitEntry struct {
	count       int
	windowStart time.Time
}

type coalesceEntry struct {
	req    Request
	start  time.Time
	done   chan struct{}
	result Result
}

// Router dispatches commands to drivers via an EntityResolver and
// DriverResolver, applying rate limiting, single-flight, retry, and
// coalescing per §4.6.
type Router struct {
	cfg      Config
	entities EntityResolver
	drivers  DriverResolver
	bus      *bus.Bus
	logger   *logging.Logger

	// sf collapses concurrent ProcessCommand calls on the same
	// entity+capability key into one dispatch, with every caller
	// observing the same Result.
	sf singleflight.Group

	mu         sync.Mutex
	rateLimits map[string]*rateLimitEntry
	coalesce   map[string]*coalesceEntry

	coalesceDone chan struct{}
	coalesceWG   sync.WaitGroup
}

// New builds a Router. b may be nil, in which case command results are
// not published to the bus (useful in unit tests).
func New(cfg Config, entities EntityResolver, drivers DriverResolver, b *bus.Bus, logger *logging.Logger) *Router {
	if logger == nil {
		logger = logging.Default()
	}
	return &Router{
		cfg:        cfg,
		entities:   entities,
		drivers:    drivers,
		bus:        b,
		logger:     logger.With("component", "command_router"),
		rateLimits: make(map[string]*rateLimitEntry),
		coalesce:   make(map[string]*coalesceEntry),
	}
}

// ProcessCommand routes req through the coalesce path or the internal
// single-flight/retry path, per req.Capability.
func (r *Router) ProcessCommand(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	if _, coalesceable := r.cfg.CoalesceableCapabilities[req.Capability]; coalesceable {
		return r.enqueueCoalesced(ctx, req, start)
	}
	return r.processInternal(ctx, req, start)
}

func (r *Router) enqueueCoalesced(ctx context.Context, req Request, start time.Time) (Result, error) {
	entry := &coalesceEntry{req: req, start: start, done: make(chan struct{})}

	r.mu.Lock()
	if existing, ok := r.coalesce[req.EntityID]; ok {
		existing.result = Result{Success: true, Latency: time.Since(existing.start)}
		close(existing.done)
	}
	r.coalesce[req.EntityID] = entry
	r.mu.Unlock()

	select {
	case <-entry.done:
		return entry.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// RunCoalescer drains the coalesce queue every CoalesceWindow until ctx
// is canceled or StopCoalescer is called. It starts its own goroutine and
// returns immediately; call it once at daemon start.
func (r *Router) RunCoalescer(ctx context.Context) {
	r.coalesceDone = make(chan struct{})
	r.coalesceWG.Add(1)
	go func() {
		defer r.coalesceWG.Done()
		ticker := time.NewTicker(r.cfg.CoalesceWindow)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.drainCoalesceQueue(ctx)
			case <-r.coalesceDone:
				r.drainCoalesceQueue(ctx)
				return
			case <-ctx.Done():
				r.drainCoalesceQueue(ctx)
				return
			}
		}
	}()
}

// StopCoalescer signals the coalescer goroutine to drain the queue one
// final time and blocks until it exits.
func (r *Router) StopCoalescer() {
	if r.coalesceDone == nil {
		return
	}
	close(r.coalesceDone)
	r.coalesceWG.Wait()
}

func (r *Router) drainCoalesceQueue(ctx context.Context) {
	r.mu.Lock()
	pending := r.coalesce
	r.coalesce = make(map[string]*coalesceEntry)
	r.mu.Unlock()

	for _, entry := range pending {
		entry := entry
		go func() {
			result, err := r.processInternal(ctx, entry.req, entry.start)
			if err != nil {
				result = Result{Success: false, Error: err.Error(), Latency: time.Since(entry.start)}
			}
			entry.result = result
			close(entry.done)
		}()
	}
}

func (r *Router) processInternal(ctx context.Context, req Request, start time.Time) (Result, error) {
	key := req.EntityID + ":" + req.Capability

	v, err, _ := r.sf.Do(key, func() (any, error) {
		r.mu.Lock()
		if !r.checkRateLimit(req.EntityID) {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: entity %s", apperror.ErrRateLimited, req.EntityID)
		}
		r.mu.Unlock()

		result := r.dispatch(ctx, req, start)
		if r.bus != nil {
			r.bus.Publish(bus.CommandTopic(req.EntityID), result)
		}
		return result, nil
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// checkRateLimit must be called with r.mu held.
func (r *Router) checkRateLimit(entityID string) bool {
	now := time.Now()
	entry, ok := r.rateLimits[entityID]
	if !ok || now.Sub(entry.windowStart) >= r.cfg.RateLimitWindow {
		entry = &rateLimitEntry{count: 0, windowStart: now}
		r.rateLimits[entityID] = entry
	}
	entry.count++
	return entry.count <= r.cfg.RateLimitMax
}

func (r *Router) dispatch(ctx context.Context, req Request, start time.Time) Result {
	entity, err := r.entities.GetEntity(ctx, req.EntityID)
	if err != nil {
		return Result{Success: false, Error: err.Error(), Latency: time.Since(start)}
	}
	device, err := r.entities.GetDevice(ctx, entity.DeviceID)
	if err != nil {
		return Result{Success: false, Error: err.Error(), Latency: time.Since(start)}
	}
	drv, err := r.drivers.Get(device.Protocol)
	if err != nil {
		return Result{Success: false, Error: err.Error(), Latency: time.Since(start)}
	}

	cmd := driver.Command{Capability: req.Capability, Value: req.Value}
	backoff := r.cfg.RetryBackoff
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		invokeResult, err := drv.Invoke(ctx, entity.Key, cmd)
		if err == nil && invokeResult.OK {
			return Result{Success: true, Latency: time.Since(start)}
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = errors.New(invokeResult.Error)
		}

		if attempt == r.cfg.MaxRetries {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return Result{Success: false, Error: ctx.Err().Error(), Latency: time.Since(start)}
		}
		backoff *= 2
		if backoff > r.cfg.RetryBackoffCap {
			backoff = r.cfg.RetryBackoffCap
		}
	}

	errText := ""
	if lastErr != nil {
		errText = lastErr.Error()
	}
	r.logger.Warn("command invocation exhausted retries", "entity_id", req.EntityID, "capability", req.Capability, "error", errText)
	return Result{Success: false, Error: errText, Latency: time.Since(start)}
}

// Clear drops all in-flight, rate-limit, and coalesce state. Intended
// for tests that need a Router with no memory of prior calls.
func (r *Router) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sf = singleflight.Group{}
	r.rateLimits = make(map[string]*rateLimitEntry)
	r.coalesce = make(map[string]*coalesceEntry)
}
