// Package daemon wires together the bus, registry, state store, driver
// registry, and command router into the running hub process: standing
// subscriptions, the discovery loop, and the subscription loop.
package daemon

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/homehub/internal/bus"
	"github.com/nerrad567/homehub/internal/command"
	"github.com/nerrad567/homehub/internal/config"
	"github.com/nerrad567/homehub/internal/driver"
	"github.com/nerrad567/homehub/internal/logging"
	"github.com/nerrad567/homehub/internal/registry"
	"github.com/nerrad567/homehub/internal/store"
	"github.com/nerrad567/homehub/internal/telemetry"
)

// Daemon owns the running hub's lifecycle: Initialize builds every
// component, Start runs the worker loops, Stop tears everything down in
// reverse order.
type Daemon struct {
	cfg    *config.Config
	logger *logging.Logger

	db             *store.DB
	cipher         *store.Cipher
	registry       *registry.Registry
	entityState    *store.EntityStateRepository
	telemetryRepo  *store.TelemetryRepository
	batcher        *store.Batcher
	bus            *bus.Bus
	driverRegistry *driver.Registry
	loader         *driver.Loader
	router         *command.Router

	home registry.Home

	stateUnsub     bus.Unsubscribe
	telemetryUnsub bus.Unsubscribe

	subMu sync.Mutex
	subs  map[string]driver.Unsubscribe

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New builds an uninitialized Daemon. Call RegisterDriverFactory for
// every protocol adapter the process supports, then Initialize.
func New(cfg *config.Config, logger *logging.Logger) *Daemon {
	if logger == nil {
		logger = logging.Default()
	}
	return &Daemon{
		cfg:    cfg,
		logger: logger.With("component", "daemon"),
		subs:   make(map[string]driver.Unsubscribe),
		stopCh: make(chan struct{}),
	}
}

// RegisterDriverFactory registers protocol's factory ahead of
// Initialize. Call before Initialize; the loader consults these during
// Initialize's Load call.
func (d *Daemon) RegisterDriverFactory(protocol string, f driver.Factory) {
	if d.loader == nil {
		d.driverRegistry = driver.NewRegistry()
		d.loader = driver.NewLoader(d.driverRegistry, d.logger)
	}
	d.loader.Add(protocol, f)
}

// Initialize opens persistence, builds every component, loads
// configured drivers, and installs the two standing bus subscriptions.
// It does not start any background loop; call Start for that.
func (d *Daemon) Initialize(ctx context.Context) error {
	db, err := store.Open(store.Config{
		Path:        d.cfg.Database.Path,
		WALMode:     d.cfg.Database.WALMode,
		BusyTimeout: d.cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	d.db = db

	key, err := d.cfg.Security.EncryptionKey()
	if err != nil {
		return fmt.Errorf("decoding encryption key: %w", err)
	}
	cipher, err := store.NewCipher(key)
	if err != nil {
		return fmt.Errorf("building cipher: %w", err)
	}
	d.cipher = cipher

	repo := registry.NewSQLiteRepository(db)
	d.registry = registry.New(repo, cipher, d.logger)

	d.entityState = store.NewEntityStateRepository(db)
	d.telemetryRepo = store.NewTelemetryRepository(db)
	d.batcher = store.NewBatcher(d.telemetryRepo, d.logger,
		d.cfg.Telemetry.BatchSize, time.Duration(d.cfg.Telemetry.FlushInterval)*time.Millisecond)

	d.bus = bus.New(d.logger)

	if d.loader == nil {
		d.driverRegistry = driver.NewRegistry()
		d.loader = driver.NewLoader(d.driverRegistry, d.logger)
	}
	loaded := d.loader.Load(ctx, d.cfg.Drivers.Enabled)
	d.logger.Info("drivers loaded", "protocols", loaded)

	d.router = command.New(command.ConfigFromYAML(d.cfg.Command), d.registry, d.driverRegistry, d.bus, d.logger)

	if err := d.installStandingSubscriptions(ctx); err != nil {
		return fmt.Errorf("installing standing subscriptions: %w", err)
	}

	return nil
}

func (d *Daemon) installStandingSubscriptions(ctx context.Context) error {
	stateUnsub, err := d.bus.SubscribeErr(bus.EntityStateWildcard, func(ctx context.Context, msg bus.Message) error {
		entityID := entityIDFromStateTopic(msg.Topic)
		state, ok := msg.Payload.(map[string]any)
		if !ok {
			return fmt.Errorf("daemon: unexpected state payload type %T", msg.Payload)
		}
		return d.entityState.Write(ctx, entityID, state)
	})
	if err != nil {
		return fmt.Errorf("subscribing to entity state: %w", err)
	}
	d.stateUnsub = stateUnsub

	telemetryUnsub, err := d.bus.SubscribeErr(bus.TopicTelemetry, func(ctx context.Context, msg bus.Message) error {
		sample, ok := msg.Payload.(TelemetrySample)
		if !ok {
			return fmt.Errorf("daemon: unexpected telemetry payload type %T", msg.Payload)
		}
		d.batcher.Enqueue(store.TelemetryPoint{
			EntityID: sample.EntityID,
			HomeID:   sample.HomeID,
			Field:    sample.Field,
			Value:    sample.Value,
			Unit:     sample.Unit,
			Ts:       sample.Ts,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribing to telemetry: %w", err)
	}
	d.telemetryUnsub = telemetryUnsub
	return nil
}

// TelemetrySample is the payload published on bus.TopicTelemetry by the
// subscription loop's onState callback. It is the telemetry forwarder's
// Sample type, so the forwarder accepts what the daemon publishes.
type TelemetrySample = telemetry.Sample

func entityIDFromStateTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return topic
}

// Start ensures the default home exists, starts the telemetry batcher
// and command coalescer, and launches the discovery and subscription
// worker loops.
func (d *Daemon) Start(ctx context.Context) error {
	home, err := d.registry.GetOrCreateHome(ctx, d.cfg.Site.HomeName, d.cfg.Site.Timezone)
	if err != nil {
		return fmt.Errorf("ensuring default home: %w", err)
	}
	d.home = home

	d.batcher.Start(ctx)
	d.router.RunCoalescer(ctx)

	d.wg.Add(2)
	go d.runDiscoveryLoop(ctx)
	go d.runSubscriptionLoop(ctx)

	return nil
}

// Stop stops the worker loops, flushes the telemetry batcher, drains the
// coalescer, releases every driver subscription, and shuts down every
// driver. It blocks until everything has stopped.
func (d *Daemon) Stop(ctx context.Context) error {
	close(d.stopCh)
	d.wg.Wait()

	d.batcher.Stop()
	d.router.StopCoalescer()

	d.subMu.Lock()
	for _, unsub := range d.subs {
		unsub()
	}
	d.subs = make(map[string]driver.Unsubscribe)
	d.subMu.Unlock()

	if d.stateUnsub != nil {
		d.stateUnsub()
	}
	if d.telemetryUnsub != nil {
		d.telemetryUnsub()
	}

	for protocol, drv := range d.driverRegistry.All() {
		if err := drv.Shutdown(ctx); err != nil {
			d.logger.Error("driver shutdown failed", "protocol", protocol, "error", err)
		}
	}

	d.bus.Close()

	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// Registry exposes the daemon's device/entity registry, for API layers
// built on top of this package.
func (d *Daemon) Registry() *registry.Registry { return d.registry }

// CommandRouter exposes the daemon's command router.
func (d *Daemon) CommandRouter() *command.Router { return d.router }

// Bus exposes the daemon's event bus.
func (d *Daemon) Bus() *bus.Bus { return d.bus }

// StateStore exposes the daemon's entity state snapshot repository.
func (d *Daemon) StateStore() *store.EntityStateRepository { return d.entityState }

// DriverRegistry exposes the daemon's loaded-driver registry.
func (d *Daemon) DriverRegistry() *driver.Registry { return d.driverRegistry }

// HomeID returns the default home's ID, valid after Start.
func (d *Daemon) HomeID() string { return d.home.ID }

// ProcessCommand routes req through the command router. Thin wrapper
// exposed so an external HTTP/WS layer never needs to reach into
// CommandRouter() directly.
func (d *Daemon) ProcessCommand(ctx context.Context, req command.Request) (command.Result, error) {
	return d.router.ProcessCommand(ctx, req)
}

// Entities lists entities matching filter.
func (d *Daemon) Entities(ctx context.Context, filter registry.EntityFilter) ([]registry.Entity, error) {
	return d.registry.Entities(ctx, filter)
}

// DevicesByHome lists every device belonging to homeID.
func (d *Daemon) DevicesByHome(ctx context.Context, homeID string) ([]registry.Device, error) {
	return d.registry.DevicesByHome(ctx, homeID)
}

// GetEntityTelemetry returns entityID's telemetry history matching opts.
func (d *Daemon) GetEntityTelemetry(ctx context.Context, entityID string, opts store.TelemetryQuery) ([]store.TelemetryPoint, error) {
	return d.telemetryRepo.ByEntity(ctx, entityID, opts)
}

// Status is the daemon's coarse-grained liveness summary.
type Status struct {
	HomeID  string
	Drivers map[string]bool
}

// Status reports the current home ID and per-driver health, valid after
// Start.
func (d *Daemon) Status() Status {
	return Status{
		HomeID:  d.home.ID,
		Drivers: d.driverRegistry.Health(),
	}
}

// DriverHealth reports whether each loaded driver protocol is alive.
func (d *Daemon) DriverHealth() map[string]bool {
	return d.driverRegistry.Health()
}
