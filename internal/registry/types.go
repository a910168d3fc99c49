// Package registry owns device/entity identity: fingerprint-based
// deduplication, credential storage, and last-write-wins lookups backed
// by SQLite. It is the single writer of the homes/devices/entities/
// credentials tables.
package registry

import (
	"time"

	"github.com/nerrad567/homehub/internal/driver"
)

// Home is a container for a set of devices.
type Home struct {
	ID        string
	Name      string
	Timezone  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Device is a physical unit speaking one protocol.
type Device struct {
	ID          string
	HomeID      string
	Protocol    string
	Name        string
	Vendor      string
	Model       string
	Address     string
	Fingerprint string
	PairedAt    *time.Time
	LastSeen    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DeepCopy returns an independent copy; Device has no reference fields
// besides PairedAt, which is immutable once set.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	if d.PairedAt != nil {
		t := *d.PairedAt
		cpy.PairedAt = &t
	}
	return &cpy
}

// Entity is one addressable capability on a device.
type Entity struct {
	ID         string
	DeviceID   string
	HomeID     string
	Kind       driver.EntityKind
	Key        string
	Name       string
	Capability driver.Capability
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DeepCopy returns an independent copy, cloning the Capability's
// attribute map.
func (e *Entity) DeepCopy() *Entity {
	if e == nil {
		return nil
	}
	cpy := *e
	if e.Capability.Attributes != nil {
		attrs := make(map[string]any, len(e.Capability.Attributes))
		for k, v := range e.Capability.Attributes {
			attrs[k] = v
		}
		cpy.Capability.Attributes = attrs
	}
	return &cpy
}

// EntityFilter narrows Entities() queries. Zero-value fields are
// unconstrained.
type EntityFilter struct {
	HomeID   string
	DeviceID string
	Kind     driver.EntityKind
}
