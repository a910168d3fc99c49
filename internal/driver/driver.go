// Package driver defines the protocol-adapter contract every supported
// ecosystem (ESPHome, Hue, ...) implements exactly once, plus the
// registry that looks driver instances up by protocol tag.
//
// A Driver owns all per-device connection state itself (as instance
// fields behind its own mutex); the core never reaches into a driver's
// internals and never keeps a package-level map of driver state.
package driver

import "context"

// EntityKind enumerates the normalized entity categories the core
// understands. Drivers translate their native type system into these.
type EntityKind string

// Entity kinds.
const (
	KindLight         EntityKind = "light"
	KindSwitch        EntityKind = "switch"
	KindSensor        EntityKind = "sensor"
	KindBinarySensor  EntityKind = "binary_sensor"
	KindCover         EntityKind = "cover"
	KindClimate       EntityKind = "climate"
	KindFan           EntityKind = "fan"
	KindLock          EntityKind = "lock"
	KindAlarm         EntityKind = "alarm"
	KindButton        EntityKind = "button"
	KindNumber        EntityKind = "number"
	KindSelect        EntityKind = "select"
	KindText          EntityKind = "text"
	KindTime          EntityKind = "time"
	KindDate          EntityKind = "date"
	KindImage         EntityKind = "image"
	KindMediaPlayer   EntityKind = "media_player"
	KindNotify        EntityKind = "notify"
	KindUpdate        EntityKind = "update"
	KindVacuum        EntityKind = "vacuum"
	KindWaterHeater   EntityKind = "water_heater"
	KindWeather       EntityKind = "weather"
)

// Capability describes what an entity can do or report.
type Capability struct {
	Type       string         `json:"type"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// DeviceDescriptor is what Discover returns for one physical unit.
// ID is the driver-local identifier; the registry assigns its own
// core-wide device ID on upsert.
type DeviceDescriptor struct {
	ID          string
	Vendor      string
	Model       string
	Address     string
	Fingerprint string
	Name        string
}

// EntityDescriptor is what Entities returns for one addressable
// capability on a device.
type EntityDescriptor struct {
	ID         string
	Kind       EntityKind
	Name       string
	Capability Capability
	// Metadata may carry a "key" entry overriding the dedup key used by
	// the registry's UpsertEntity (default: ID).
	Metadata map[string]string
}

// DeviceInfo is the richer device metadata fetched after connect.
type DeviceInfo struct {
	ID       string
	Vendor   string
	Model    string
	Firmware string
}

// Command is one normalized instruction sent to Invoke.
type Command struct {
	Capability string
	Value      any
}

// Result is the outcome of a single Invoke call.
type Result struct {
	OK    bool
	Error string
}

// StateCallback is invoked by a driver whenever an entity's state
// changes. state is the normalized per-kind payload (see the ESPHome and
// Hue package docs for shapes).
type StateCallback func(entityID string, state map[string]any)

// Unsubscribe releases a Subscribe registration. It is idempotent: a
// second call is a no-op.
type Unsubscribe func()

// Driver is the single contract every protocol adapter implements once.
// Implementations MUST NOT panic across this interface's boundary: the
// daemon and the command router call drivers without recovering panics,
// so a driver reports every failure as a returned error.
type Driver interface {
	// Initialize and Shutdown are idempotent lifecycle hooks, called
	// exactly once by the loader and once by the daemon's Stop.
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error

	// Discover returns one finite batch of device descriptors; it is
	// called repeatedly on a timer and must not block indefinitely.
	Discover(ctx context.Context) ([]DeviceDescriptor, error)

	// Pair performs an optional credential exchange. A no-op
	// implementation is acceptable for self-pairing protocols.
	Pair(ctx context.Context, deviceID string, credentials []byte) error

	Connect(ctx context.Context, deviceID, address string) error
	Disconnect(ctx context.Context, deviceID string) error

	DeviceInfo(ctx context.Context, deviceID string) (DeviceInfo, bool, error)
	Entities(ctx context.Context, deviceID string) ([]EntityDescriptor, error)

	Subscribe(ctx context.Context, entityID string, cb StateCallback) (Unsubscribe, error)
	Invoke(ctx context.Context, entityID string, cmd Command) (Result, error)
}
