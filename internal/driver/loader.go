package driver

import (
	"context"

	"github.com/nerrad567/homehub/internal/logging"
)

// Factory constructs one driver instance. Factories are registered by
// protocol tag ahead of time (in cmd/homehubd/main.go) and the Loader
// only decides, per configuration, which ones to instantiate.
type Factory func() (Driver, error)

// Loader enumerates a configured set of protocol tags, instantiates each
// one's factory, and registers it. A single driver's construction or
// initialization failure is logged and skipped; it never prevents the
// remaining drivers from loading.
type Loader struct {
	logger   *logging.Logger
	registry *Registry
	factories map[string]Factory
}

// NewLoader creates a Loader that registers successfully constructed
// drivers into registry.
func NewLoader(registry *Registry, logger *logging.Logger) *Loader {
	if logger == nil {
		logger = logging.Default()
	}
	return &Loader{
		logger:    logger.With("component", "driver_loader"),
		registry:  registry,
		factories: make(map[string]Factory),
	}
}

// Add registers a factory for protocol; Load will attempt to construct
// it when protocol appears in the enabled set.
func (l *Loader) Add(protocol string, f Factory) {
	l.factories[protocol] = f
}

// Load instantiates and initializes every protocol in enabled that has a
// registered factory. Each driver is initialized exactly once. Returns
// the protocols that loaded successfully.
func (l *Loader) Load(ctx context.Context, enabled []string) []string {
	var loaded []string
	for _, protocol := range enabled {
		factory, ok := l.factories[protocol]
		if !ok {
			l.logger.Warn("no factory registered for protocol", "protocol", protocol)
			continue
		}

		d, err := factory()
		if err != nil {
			l.logger.Error("constructing driver failed", "protocol", protocol, "error", err)
			continue
		}

		if err := l.registry.RegisterAndInitialize(ctx, protocol, d); err != nil {
			l.logger.Error("initializing driver failed", "protocol", protocol, "error", err)
			continue
		}

		l.logger.Info("driver loaded", "protocol", protocol)
		loaded = append(loaded, protocol)
	}
	return loaded
}
