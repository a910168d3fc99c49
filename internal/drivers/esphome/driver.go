package esphome

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/homehub/internal/config"
	"github.com/nerrad567/homehub/internal/driver"
	"github.com/nerrad567/homehub/internal/logging"
)

// Driver implements driver.Driver for ESPHome's native binary API. It
// owns one *connection per connected device, keyed by the deviceID
// passed to Connect (the daemon passes the registry's device ID).
type Driver struct {
	cfg    config.ESPHomeConfig
	logger *logging.Logger

	mu    sync.RWMutex
	conns map[string]*connection
}

// New builds an ESPHome driver from its configuration section.
func New(cfg config.ESPHomeConfig, logger *logging.Logger) *Driver {
	if logger == nil {
		logger = logging.Default()
	}
	return &Driver{
		cfg:    cfg,
		logger: logger.With("driver", "esphome"),
		conns:  make(map[string]*connection),
	}
}

// Factory adapts New into the driver.Factory signature the loader calls.
func Factory(cfg config.ESPHomeConfig, logger *logging.Logger) driver.Factory {
	return func() (driver.Driver, error) {
		return New(cfg, logger), nil
	}
}

func (d *Driver) Initialize(ctx context.Context) error { return nil }

func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	conns := make([]*connection, 0, len(d.conns))
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.conns = make(map[string]*connection)
	d.mu.Unlock()

	for _, c := range conns {
		c.disconnect()
	}
	return nil
}

// Discover has no mDNS browser to enumerate devices with (out of scope);
// it reports one descriptor per statically configured device address.
func (d *Driver) Discover(ctx context.Context) ([]driver.DeviceDescriptor, error) {
	descriptors := make([]driver.DeviceDescriptor, 0, len(d.cfg.Devices))
	for _, dev := range d.cfg.Devices {
		descriptors = append(descriptors, driver.DeviceDescriptor{
			ID:      dev.Address,
			Vendor:  "esphome",
			Address: dev.Address,
			Name:    fmt.Sprintf("ESPHome device (%s)", dev.Address),
		})
	}
	return descriptors, nil
}

func (d *Driver) Pair(ctx context.Context, deviceID string, credentials []byte) error { return nil }

// Connect dials deviceID's TCP address and runs the handshake state
// machine through to Live.
func (d *Driver) Connect(ctx context.Context, deviceID, address string) error {
	password := d.passwordFor(address)
	port := d.cfg.Port
	if port == 0 {
		port = 6053
	}
	target := address
	if !hasPort(address) {
		target = fmt.Sprintf("%s:%d", address, port)
	}

	pingInterval := time.Duration(d.cfg.PingIntervalMs) * time.Millisecond
	if pingInterval <= 0 {
		pingInterval = 15 * time.Second
	}
	reconnectInterval := time.Duration(d.cfg.ReconnectIntervalMs) * time.Millisecond
	if reconnectInterval <= 0 {
		reconnectInterval = 30 * time.Second
	}

	c := newConnection(deviceID, target, password, pingInterval, reconnectInterval, d.cfg.Reconnect, d.logger)
	if err := c.connect(ctx); err != nil {
		return fmt.Errorf("esphome: connecting to %s: %w", deviceID, err)
	}

	d.mu.Lock()
	d.conns[deviceID] = c
	d.mu.Unlock()
	return nil
}

func (d *Driver) Disconnect(ctx context.Context, deviceID string) error {
	d.mu.Lock()
	c, ok := d.conns[deviceID]
	delete(d.conns, deviceID)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	c.disconnect()
	return nil
}

func (d *Driver) passwordFor(address string) string {
	for _, dev := range d.cfg.Devices {
		if dev.Address == address {
			return dev.Password
		}
	}
	return ""
}

func (d *Driver) DeviceInfo(ctx context.Context, deviceID string) (driver.DeviceInfo, bool, error) {
	_, ok := d.connection(deviceID)
	if !ok {
		return driver.DeviceInfo{}, false, nil
	}
	return driver.DeviceInfo{ID: deviceID}, true, nil
}

func (d *Driver) Entities(ctx context.Context, deviceID string) ([]driver.EntityDescriptor, error) {
	c, ok := d.connection(deviceID)
	if !ok {
		return nil, fmt.Errorf("esphome: device %s not connected", deviceID)
	}
	entities := c.entities()
	out := make([]driver.EntityDescriptor, 0, len(entities))
	for _, e := range entities {
		out = append(out, driver.EntityDescriptor{
			ID:   e.EntityID,
			Kind: driver.EntityKind(e.Kind),
			Name: e.Name,
		})
	}
	return out, nil
}

func (d *Driver) Subscribe(ctx context.Context, entityID string, cb driver.StateCallback) (driver.Unsubscribe, error) {
	c, ok := d.connectionForEntity(entityID)
	if !ok {
		return nil, fmt.Errorf("esphome: entity %s has no connected device", entityID)
	}
	if _, known := c.entityByID(entityID); !known {
		return nil, fmt.Errorf("esphome: unknown entity %s", entityID)
	}
	return c.subscribe(entityID, cb), nil
}

func (d *Driver) Invoke(ctx context.Context, entityID string, cmd driver.Command) (driver.Result, error) {
	c, ok := d.connectionForEntity(entityID)
	if !ok {
		return driver.Result{OK: false, Error: "Unsupported entity type"}, nil
	}
	entity, known := c.entityByID(entityID)
	if !known {
		return driver.Result{OK: false, Error: "Unsupported entity type"}, nil
	}
	msgType, payload, err := encodeCommand(entity.Kind, entity.Key, cmd)
	if err != nil {
		return driver.Result{OK: false, Error: err.Error()}, nil
	}
	if err := c.send(msgType, payload); err != nil {
		return driver.Result{}, fmt.Errorf("esphome: sending command: %w", err)
	}
	return driver.Result{OK: true}, nil
}

func (d *Driver) connection(deviceID string) (*connection, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.conns[deviceID]
	return c, ok
}

func (d *Driver) connectionForEntity(entityID string) (*connection, bool) {
	deviceID := deviceIDFromEntityID(entityID)
	return d.connection(deviceID)
}

// deviceIDFromEntityID splits the "{deviceId}:{objectId}" shape back
// into its device ID half.
func deviceIDFromEntityID(entityID string) string {
	for i := len(entityID) - 1; i >= 0; i-- {
		if entityID[i] == ':' {
			return entityID[:i]
		}
	}
	return entityID
}

func hasPort(address string) bool {
	for i := len(address) - 1; i >= 0; i-- {
		if address[i] == ':' {
			return true
		}
		if address[i] == ']' {
			return false
		}
	}
	return false
}

var _ driver.Driver = (*Driver)(nil)
