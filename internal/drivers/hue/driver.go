package hue

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/nerrad567/homehub/internal/apperror"
	"github.com/nerrad567/homehub/internal/config"
	"github.com/nerrad567/homehub/internal/driver"
	"github.com/nerrad567/homehub/internal/logging"
)

const defaultPollInterval = 5 * time.Second

// bridgeSession is the per-device (per-bridge) live state: its API key,
// the poll loop's last-seen snapshot, and the subscriber callback table.
type bridgeSession struct {
	client  *client
	apiKey  string
	address string

	mu        sync.Mutex
	lastState map[string]hueLight

	callbacksMu sync.RWMutex
	callbacks   map[string]driver.StateCallback // keyed by entity key, e.g. "light-3"

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Driver implements driver.Driver for a Philips Hue bridge's REST API.
type Driver struct {
	cfg    config.HueConfig
	hubID  string
	logger *logging.Logger

	mu       sync.RWMutex
	sessions map[string]*bridgeSession // keyed by registry device ID
}

// New builds a Hue driver from its configuration section. hubID
// identifies this hub in the devicetype string sent during pairing.
func New(cfg config.HueConfig, hubID string, logger *logging.Logger) *Driver {
	if logger == nil {
		logger = logging.Default()
	}
	return &Driver{
		cfg:      cfg,
		hubID:    hubID,
		logger:   logger.With("driver", "hue"),
		sessions: make(map[string]*bridgeSession),
	}
}

// Factory adapts New into the driver.Factory signature the loader calls.
func Factory(cfg config.HueConfig, hubID string, logger *logging.Logger) driver.Factory {
	return func() (driver.Driver, error) {
		return New(cfg, hubID, logger), nil
	}
}

func (d *Driver) Initialize(ctx context.Context) error { return nil }

func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	sessions := make([]*bridgeSession, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.sessions = make(map[string]*bridgeSession)
	d.mu.Unlock()

	for _, s := range sessions {
		close(s.stopCh)
		s.wg.Wait()
	}
	return nil
}

// Discover has no cloud lookup to browse with (the driver does not
// implement meethue discovery); it reports one descriptor for the
// configured bridge address, fingerprinted by the bridge's bridgeid.
func (d *Driver) Discover(ctx context.Context) ([]driver.DeviceDescriptor, error) {
	if d.cfg.BridgeAddress == "" {
		return nil, nil
	}
	c := newClient(d.cfg.BridgeAddress)
	fingerprint := ""
	if cfg, err := c.getConfig(ctx, ""); err == nil {
		fingerprint = cfg.BridgeID
	}
	return []driver.DeviceDescriptor{{
		ID:          d.cfg.BridgeAddress,
		Vendor:      "philips",
		Model:       "hue-bridge",
		Address:     d.cfg.BridgeAddress,
		Fingerprint: fingerprint,
		Name:        "Philips Hue Bridge",
	}}, nil
}

// Pair runs the link-button exchange. credentials, if non-empty, is
// treated as an already-obtained API key (a reconnect after restart);
// otherwise the driver attempts registration and returns a transient
// error until the bridge's link button is pressed.
func (d *Driver) Pair(ctx context.Context, deviceID string, credentials []byte) error {
	s := d.sessionFor(deviceID)
	if len(credentials) > 0 {
		s.apiKey = string(credentials)
		return nil
	}
	username, pressed, err := s.client.register(ctx, fmt.Sprintf("homehubd#%s", d.hubID))
	if err != nil {
		return fmt.Errorf("hue: pairing: %w", err)
	}
	if !pressed {
		return fmt.Errorf("%w: hue: link button not pressed", apperror.ErrDriverTransient)
	}
	s.apiKey = username
	return nil
}

// Connect marks the bridge reachable and starts its poll loop; Hue's
// REST API is stateless; there is no persistent session to open.
func (d *Driver) Connect(ctx context.Context, deviceID, address string) error {
	s := d.sessionFor(deviceID)
	s.address = address
	if _, err := s.client.getConfig(ctx, s.apiKey); err != nil {
		return fmt.Errorf("hue: bridge unreachable: %w", err)
	}
	s.wg.Add(1)
	go d.pollLoop(s)
	return nil
}

func (d *Driver) Disconnect(ctx context.Context, deviceID string) error {
	d.mu.Lock()
	s, ok := d.sessions[deviceID]
	delete(d.sessions, deviceID)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	close(s.stopCh)
	s.wg.Wait()
	return nil
}

func (d *Driver) DeviceInfo(ctx context.Context, deviceID string) (driver.DeviceInfo, bool, error) {
	s := d.sessionFor(deviceID)
	cfg, err := s.client.getConfig(ctx, s.apiKey)
	if err != nil {
		return driver.DeviceInfo{}, false, nil
	}
	return driver.DeviceInfo{ID: deviceID, Vendor: "philips", Model: cfg.ModelID, Firmware: cfg.Name}, true, nil
}

func (d *Driver) Entities(ctx context.Context, deviceID string) ([]driver.EntityDescriptor, error) {
	s := d.sessionFor(deviceID)
	lights, err := s.client.getLights(ctx, s.apiKey)
	if err != nil {
		return nil, fmt.Errorf("hue: listing lights: %w", err)
	}
	groups, err := s.client.getGroups(ctx, s.apiKey)
	if err != nil {
		return nil, fmt.Errorf("hue: listing groups: %w", err)
	}

	out := make([]driver.EntityDescriptor, 0, len(lights)+len(groups))
	for id, l := range lights {
		out = append(out, driver.EntityDescriptor{
			ID:   lightKey(id),
			Kind: driver.KindLight,
			Name: l.Name,
		})
	}
	for id, g := range groups {
		out = append(out, driver.EntityDescriptor{
			ID:   groupKey(id),
			Kind: driver.KindLight,
			Name: g.Name,
			Capability: driver.Capability{
				Type:       "light",
				Attributes: map[string]any{"group": true},
			},
		})
	}
	return out, nil
}

func (d *Driver) Subscribe(ctx context.Context, entityID string, cb driver.StateCallback) (driver.Unsubscribe, error) {
	s, ok := d.sessionForEntity(entityID)
	if !ok {
		return nil, fmt.Errorf("hue: entity %s has no connected bridge", entityID)
	}
	s.callbacksMu.Lock()
	s.callbacks[entityID] = cb
	s.callbacksMu.Unlock()
	return func() {
		s.callbacksMu.Lock()
		delete(s.callbacks, entityID)
		s.callbacksMu.Unlock()
	}, nil
}

func (d *Driver) Invoke(ctx context.Context, entityID string, cmd driver.Command) (driver.Result, error) {
	s, ok := d.sessionForEntity(entityID)
	if !ok {
		return driver.Result{OK: false, Error: "Unsupported entity type"}, nil
	}
	lightID, isGroup, ok := parseEntityKey(entityID)
	if !ok || isGroup {
		return driver.Result{OK: false, Error: "Unsupported entity type"}, nil
	}

	state, err := lightCommandBody(cmd)
	if err != nil {
		return driver.Result{OK: false, Error: err.Error()}, nil
	}
	if err := s.client.setLightState(ctx, s.apiKey, lightID, state); err != nil {
		return driver.Result{}, fmt.Errorf("hue: invoking: %w", err)
	}
	return driver.Result{OK: true}, nil
}

func lightCommandBody(cmd driver.Command) (map[string]any, error) {
	switch cmd.Capability {
	case "on_off":
		on, _ := cmd.Value.(bool)
		return map[string]any{"on": on}, nil
	case "brightness":
		v, err := asFloat64(cmd.Value)
		if err != nil {
			return nil, err
		}
		return map[string]any{"on": true, "bri": int(math.Round(v * 254 / 100))}, nil
	case "color_rgb":
		rgb, ok := cmd.Value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("Unsupported capability")
		}
		r, _ := asFloat64(rgb["r"])
		g, _ := asFloat64(rgb["g"])
		b, _ := asFloat64(rgb["b"])
		x, y := rgbToXY(uint8(r), uint8(g), uint8(b))
		return map[string]any{"on": true, "xy": []float64{x, y}}, nil
	default:
		return nil, fmt.Errorf("Unsupported capability")
	}
}

func asFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("hue: command value %v is not numeric", v)
	}
}

func (d *Driver) sessionFor(deviceID string) *bridgeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[deviceID]
	if !ok {
		s = &bridgeSession{
			client:    newClient(d.cfg.BridgeAddress),
			lastState: make(map[string]hueLight),
			callbacks: make(map[string]driver.StateCallback),
			stopCh:    make(chan struct{}),
		}
		d.sessions[deviceID] = s
	}
	return s
}

// sessionForEntity finds the single bridge session carrying entityID.
// The driver manages one device at a time in practice (one bridge per
// config section), so a linear scan over sessions is negligible.
func (d *Driver) sessionForEntity(entityID string) (*bridgeSession, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.sessions {
		s.callbacksMu.RLock()
		_, subscribed := s.callbacks[entityID]
		s.callbacksMu.RUnlock()
		if subscribed {
			return s, true
		}
	}
	// Not yet subscribed (e.g. during the first Subscribe call itself):
	// fall back to the only session, if there is exactly one.
	if len(d.sessions) == 1 {
		for _, s := range d.sessions {
			return s, true
		}
	}
	return nil, false
}

func lightKey(id string) string  { return "light-" + id }
func groupKey(id string) string  { return "group-" + id }

// parseEntityKey splits a "light-<id>" or "group-<id>" entity key.
func parseEntityKey(key string) (id string, isGroup bool, ok bool) {
	switch {
	case len(key) > len("light-") && key[:len("light-")] == "light-":
		return key[len("light-"):], false, true
	case len(key) > len("group-") && key[:len("group-")] == "group-":
		return key[len("group-"):], true, true
	default:
		return "", false, false
	}
}

var _ driver.Driver = (*Driver)(nil)
