package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/homehub/internal/driver"
)

// fakeRepository is an in-memory Repository for exercising Registry
// logic without a real database, mirroring the teacher's preference for
// narrow interfaces over the persistence layer in unit tests.
type fakeRepository struct {
	mu          sync.Mutex
	homes       map[string]Home
	devices     map[string]Device
	entities    map[string]Entity
	credentials map[string][]byte
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		homes:       make(map[string]Home),
		devices:     make(map[string]Device),
		entities:    make(map[string]Entity),
		credentials: make(map[string][]byte),
	}
}

func (f *fakeRepository) GetOrCreateHome(ctx context.Context, name, timezone string) (Home, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.homes {
		if h.Name == name {
			return h, nil
		}
	}
	h := Home{ID: "home-" + name, Name: name, Timezone: timezone}
	f.homes[h.ID] = h
	return h, nil
}

func (f *fakeRepository) GetDevice(ctx context.Context, id string) (Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	return d, nil
}

func (f *fakeRepository) FindDeviceByFingerprint(ctx context.Context, homeID, fingerprint string) (Device, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.devices {
		if d.HomeID == homeID && d.Fingerprint == fingerprint {
			return d, true, nil
		}
	}
	return Device{}, false, nil
}

func (f *fakeRepository) FindDeviceByAddress(ctx context.Context, homeID, address, vendor, model string) (Device, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.devices {
		if d.HomeID == homeID && d.Address == address && d.Vendor == vendor && d.Model == model {
			return d, true, nil
		}
	}
	return Device{}, false, nil
}

func (f *fakeRepository) InsertDevice(ctx context.Context, d Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[d.ID] = d
	return nil
}

func (f *fakeRepository) UpdateDevice(ctx context.Context, d Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.devices[d.ID]; !ok {
		return ErrDeviceNotFound
	}
	f.devices[d.ID] = d
	return nil
}

func (f *fakeRepository) DevicesByHome(ctx context.Context, homeID string) ([]Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Device
	for _, d := range f.devices {
		if d.HomeID == homeID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeRepository) MarkDevicePaired(ctx context.Context, deviceID string, pairedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	d.PairedAt = &pairedAt
	d.LastSeen = pairedAt
	f.devices[deviceID] = d
	return nil
}

func (f *fakeRepository) UpdateDeviceLastSeen(ctx context.Context, deviceID string, lastSeen time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	d.LastSeen = lastSeen
	f.devices[deviceID] = d
	return nil
}

func (f *fakeRepository) GetEntity(ctx context.Context, id string) (Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[id]
	if !ok {
		return Entity{}, ErrEntityNotFound
	}
	return e, nil
}

func (f *fakeRepository) FindEntityByKey(ctx context.Context, deviceID, key string) (Entity, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entities {
		if e.DeviceID == deviceID && e.Key == key {
			return e, true, nil
		}
	}
	return Entity{}, false, nil
}

func (f *fakeRepository) InsertEntity(ctx context.Context, e Entity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities[e.ID] = e
	return nil
}

func (f *fakeRepository) Entities(ctx context.Context, filter EntityFilter) ([]Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Entity
	for _, e := range f.entities {
		if filter.HomeID != "" && e.HomeID != filter.HomeID {
			continue
		}
		if filter.DeviceID != "" && e.DeviceID != filter.DeviceID {
			continue
		}
		if filter.Kind != "" && e.Kind != filter.Kind {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeRepository) StoreCredentials(ctx context.Context, deviceID, kind string, ciphertext []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credentials[deviceID+"|"+kind] = ciphertext
	return nil
}

func (f *fakeRepository) GetCredentials(ctx context.Context, deviceID, kind string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.credentials[deviceID+"|"+kind]
	return data, ok, nil
}

func TestUpsertDeviceByFingerprintConverges(t *testing.T) {
	repo := newFakeRepository()
	reg := New(repo, nil, nil)

	desc := driver.DeviceDescriptor{Vendor: "acme", Model: "sensor1", Address: "10.0.0.1", Fingerprint: "F1", Name: "Sensor"}
	var last Device
	for i := 0; i < 3; i++ {
		desc.Address = "10.0.0." + string(rune('1'+i))
		desc.Name = "Sensor " + string(rune('1'+i))
		d, err := reg.UpsertDevice(context.Background(), "esphome", desc, "home-1", "")
		if err != nil {
			t.Fatalf("UpsertDevice: %v", err)
		}
		last = d
	}

	devices, err := repo.DevicesByHome(context.Background(), "home-1")
	if err != nil {
		t.Fatalf("DevicesByHome: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("got %d device rows, want 1", len(devices))
	}
	if devices[0].Address != last.Address {
		t.Fatalf("address = %q, want last call's %q", devices[0].Address, last.Address)
	}
	if devices[0].Name != last.Name {
		t.Fatalf("name = %q, want last call's %q", devices[0].Name, last.Name)
	}
}

func TestUpsertEntityIsIdempotent(t *testing.T) {
	repo := newFakeRepository()
	reg := New(repo, nil, nil)

	desc := driver.EntityDescriptor{ID: "obj1", Kind: driver.KindLight, Name: "Lamp"}
	e1, err := reg.UpsertEntity(context.Background(), desc, "device-1", "home-1")
	if err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}
	e2, err := reg.UpsertEntity(context.Background(), desc, "device-1", "home-1")
	if err != nil {
		t.Fatalf("UpsertEntity (second): %v", err)
	}
	if e1.ID != e2.ID {
		t.Fatalf("second UpsertEntity created a new row: %q != %q", e1.ID, e2.ID)
	}

	all, err := repo.Entities(context.Background(), EntityFilter{DeviceID: "device-1"})
	if err != nil {
		t.Fatalf("Entities: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d entity rows, want 1", len(all))
	}
}

func TestMarkDevicePairedUpdatesCache(t *testing.T) {
	repo := newFakeRepository()
	reg := New(repo, nil, nil)

	d, err := reg.UpsertDevice(context.Background(), "esphome",
		driver.DeviceDescriptor{Fingerprint: "F2", Address: "10.0.0.2"}, "home-1", "")
	if err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}

	if err := reg.MarkDevicePaired(context.Background(), d.ID); err != nil {
		t.Fatalf("MarkDevicePaired: %v", err)
	}

	got, err := reg.GetDevice(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if got.PairedAt == nil {
		t.Fatal("PairedAt not set after MarkDevicePaired")
	}
}
