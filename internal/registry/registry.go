package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/homehub/internal/driver"
	"github.com/nerrad567/homehub/internal/logging"
	"github.com/nerrad567/homehub/internal/store"
)

// Registry owns all device/entity/credential mutation. It wraps a
// Repository with an in-memory device cache for fast lookups, following
// the teacher's cache-over-repository shape (deep-copy on every read and
// write so callers can never mutate cached state through a returned
// pointer).
type Registry struct {
	repo   Repository
	cipher *store.Cipher
	logger *logging.Logger

	cacheMu sync.RWMutex
	devices map[string]*Device
}

// New builds a Registry over repo. cipher encrypts/decrypts credential
// blobs before they reach the repository.
func New(repo Repository, cipher *store.Cipher, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Default()
	}
	return &Registry{
		repo:    repo,
		cipher:  cipher,
		logger:  logger.With("component", "registry"),
		devices: make(map[string]*Device),
	}
}

// RefreshCache reloads every device for homeID from the repository.
func (r *Registry) RefreshCache(ctx context.Context, homeID string) error {
	devices, err := r.repo.DevicesByHome(ctx, homeID)
	if err != nil {
		return wrapStorage("refreshing device cache", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.devices = make(map[string]*Device, len(devices))
	for i := range devices {
		r.devices[devices[i].ID] = devices[i].DeepCopy()
	}
	r.logger.Info("device cache refreshed", "home_id", homeID, "count", len(devices))
	return nil
}

// GetOrCreateHome returns the home named name, creating it if absent.
func (r *Registry) GetOrCreateHome(ctx context.Context, name, timezone string) (Home, error) {
	h, err := r.repo.GetOrCreateHome(ctx, name, timezone)
	if err != nil {
		return Home{}, wrapStorage("get or create home", err)
	}
	return h, nil
}

// UpsertDevice applies the fingerprint/address dedup rule from §4.4:
// match by fingerprint first, then by (address, vendor, model), else
// insert a new row. protocol is the driver's protocol tag. roomID is
// accepted for interface-shape parity with the upstream registry
// contract but is not stored: this core has no room/location hierarchy
// (see DESIGN.md).
func (r *Registry) UpsertDevice(ctx context.Context, protocol string, desc driver.DeviceDescriptor, homeID, roomID string) (Device, error) {
	_ = roomID
	now := time.Now().UTC()

	if desc.Fingerprint != "" {
		existing, found, err := r.repo.FindDeviceByFingerprint(ctx, homeID, desc.Fingerprint)
		if err != nil {
			return Device{}, wrapStorage("finding device by fingerprint", err)
		}
		if found {
			existing.Address = desc.Address
			existing.Name = desc.Name
			existing.LastSeen = now
			existing.UpdatedAt = now
			if err := r.repo.UpdateDevice(ctx, existing); err != nil {
				return Device{}, wrapStorage("updating device", err)
			}
			r.cacheDevice(&existing)
			return existing, nil
		}
	} else if desc.Address != "" {
		existing, found, err := r.repo.FindDeviceByAddress(ctx, homeID, desc.Address, desc.Vendor, desc.Model)
		if err != nil {
			return Device{}, wrapStorage("finding device by address", err)
		}
		if found {
			existing.LastSeen = now
			existing.UpdatedAt = now
			if err := r.repo.UpdateDevice(ctx, existing); err != nil {
				return Device{}, wrapStorage("updating device", err)
			}
			r.cacheDevice(&existing)
			return existing, nil
		}
	}

	d := Device{
		ID:          uuid.New().String(),
		HomeID:      homeID,
		Protocol:    protocol,
		Name:        desc.Name,
		Vendor:      desc.Vendor,
		Model:       desc.Model,
		Address:     desc.Address,
		Fingerprint: desc.Fingerprint,
		LastSeen:    now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.repo.InsertDevice(ctx, d); err != nil {
		return Device{}, wrapStorage("inserting device", err)
	}
	r.cacheDevice(&d)
	return d, nil
}

func (r *Registry) cacheDevice(d *Device) {
	r.cacheMu.Lock()
	r.devices[d.ID] = d.DeepCopy()
	r.cacheMu.Unlock()
}

// GetDevice retrieves a device by ID, preferring the cache.
func (r *Registry) GetDevice(ctx context.Context, id string) (Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.devices[id]
	r.cacheMu.RUnlock()
	if ok {
		return *cached.DeepCopy(), nil
	}

	d, err := r.repo.GetDevice(ctx, id)
	if err != nil {
		return Device{}, err
	}
	r.cacheDevice(&d)
	return d, nil
}

// DevicesByHome lists every device in homeID.
func (r *Registry) DevicesByHome(ctx context.Context, homeID string) ([]Device, error) {
	devices, err := r.repo.DevicesByHome(ctx, homeID)
	if err != nil {
		return nil, wrapStorage("listing devices by home", err)
	}
	return devices, nil
}

// UpsertEntity inserts e.ID if no entity exists yet for (deviceID, key);
// key is desc.Metadata["key"] if present, else desc.ID.
func (r *Registry) UpsertEntity(ctx context.Context, desc driver.EntityDescriptor, deviceID, homeID string) (Entity, error) {
	key := desc.ID
	if k, ok := desc.Metadata["key"]; ok && k != "" {
		key = k
	}

	existing, found, err := r.repo.FindEntityByKey(ctx, deviceID, key)
	if err != nil {
		return Entity{}, wrapStorage("finding entity by key", err)
	}
	if found {
		return existing, nil
	}

	now := time.Now().UTC()
	e := Entity{
		ID:         uuid.New().String(),
		DeviceID:   deviceID,
		HomeID:     homeID,
		Kind:       desc.Kind,
		Key:        key,
		Name:       desc.Name,
		Capability: desc.Capability,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.repo.InsertEntity(ctx, e); err != nil {
		return Entity{}, wrapStorage("inserting entity", err)
	}
	return e, nil
}

// GetEntity retrieves an entity by ID.
func (r *Registry) GetEntity(ctx context.Context, id string) (Entity, error) {
	e, err := r.repo.GetEntity(ctx, id)
	if err != nil {
		return Entity{}, err
	}
	return e, nil
}

// Entities lists entities matching filter.
func (r *Registry) Entities(ctx context.Context, filter EntityFilter) ([]Entity, error) {
	entities, err := r.repo.Entities(ctx, filter)
	if err != nil {
		return nil, wrapStorage("listing entities", err)
	}
	return entities, nil
}

// MarkDevicePaired sets pairedAt = now and bumps lastSeen.
func (r *Registry) MarkDevicePaired(ctx context.Context, deviceID string) error {
	now := time.Now().UTC()
	if err := r.repo.MarkDevicePaired(ctx, deviceID, now); err != nil {
		return wrapStorage("marking device paired", err)
	}
	r.cacheMu.Lock()
	if d, ok := r.devices[deviceID]; ok {
		updated := d.DeepCopy()
		updated.PairedAt = &now
		updated.LastSeen = now
		r.devices[deviceID] = updated
	}
	r.cacheMu.Unlock()
	return nil
}

// UpdateDeviceLastSeen bumps lastSeen without touching any other field.
func (r *Registry) UpdateDeviceLastSeen(ctx context.Context, deviceID string) error {
	now := time.Now().UTC()
	if err := r.repo.UpdateDeviceLastSeen(ctx, deviceID, now); err != nil {
		return wrapStorage("updating device last seen", err)
	}
	r.cacheMu.Lock()
	if d, ok := r.devices[deviceID]; ok {
		updated := d.DeepCopy()
		updated.LastSeen = now
		r.devices[deviceID] = updated
	}
	r.cacheMu.Unlock()
	return nil
}

// StoreCredentials encrypts data and upserts it under (deviceID, kind).
func (r *Registry) StoreCredentials(ctx context.Context, deviceID, kind string, data []byte) error {
	ciphertext, err := r.cipher.Encrypt(data)
	if err != nil {
		return fmt.Errorf("encrypting credentials: %w", err)
	}
	if err := r.repo.StoreCredentials(ctx, deviceID, kind, ciphertext); err != nil {
		return wrapStorage("storing credentials", err)
	}
	return nil
}

// GetCredentials decrypts and returns the blob stored under (deviceID,
// kind), if any.
func (r *Registry) GetCredentials(ctx context.Context, deviceID, kind string) ([]byte, bool, error) {
	ciphertext, found, err := r.repo.GetCredentials(ctx, deviceID, kind)
	if err != nil {
		return nil, false, wrapStorage("getting credentials", err)
	}
	if !found {
		return nil, false, nil
	}
	plaintext, err := r.cipher.Decrypt(ciphertext)
	if err != nil {
		return nil, false, fmt.Errorf("decrypting credentials: %w", err)
	}
	return plaintext, true, nil
}

// HasCredentials reports whether any credential blob is stored for
// (deviceID, kind), without decrypting it.
func (r *Registry) HasCredentials(ctx context.Context, deviceID, kind string) (bool, error) {
	_, found, err := r.repo.GetCredentials(ctx, deviceID, kind)
	if err != nil {
		return false, wrapStorage("checking credentials", err)
	}
	return found, nil
}
