package daemon

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/nerrad567/homehub/internal/bus"
	"github.com/nerrad567/homehub/internal/driver"
	"github.com/nerrad567/homehub/internal/registry"
)

func (d *Daemon) runDiscoveryLoop(ctx context.Context) {
	defer d.wg.Done()
	d.discoverOnce(ctx)

	ticker := time.NewTicker(d.cfg.DiscoveryInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.discoverOnce(ctx)
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *Daemon) discoverOnce(ctx context.Context) {
	for protocol, drv := range d.driverRegistry.All() {
		descriptors, err := drv.Discover(ctx)
		if err != nil {
			d.logger.Error("discover failed", "protocol", protocol, "error", err)
			continue
		}
		for _, desc := range descriptors {
			d.onDiscovered(ctx, protocol, drv, desc)
		}
	}
}

func (d *Daemon) onDiscovered(ctx context.Context, protocol string, drv driver.Driver, desc driver.DeviceDescriptor) {
	device, err := d.registry.UpsertDevice(ctx, protocol, desc, d.home.ID, "")
	if err != nil {
		d.logger.Error("upsert device failed", "protocol", protocol, "error", err)
		return
	}
	d.bus.Publish(bus.DeviceLifecycleTopic(device.ID), "discovered")

	if desc.Address == "" {
		return
	}
	if err := drv.Connect(ctx, device.ID, desc.Address); err != nil {
		d.logger.Warn("auto-connect failed", "device_id", device.ID, "error", err)
		return
	}
	if err := d.registry.MarkDevicePaired(ctx, device.ID); err != nil {
		d.logger.Error("marking device paired failed", "device_id", device.ID, "error", err)
		return
	}
	if err := d.registry.StoreCredentials(ctx, device.ID, protocol, []byte{}); err != nil {
		d.logger.Error("storing empty credentials failed", "device_id", device.ID, "error", err)
		return
	}
	d.bus.Publish(bus.DeviceLifecycleTopic(device.ID), "paired")

	entities, err := drv.Entities(ctx, device.ID)
	if err != nil {
		d.logger.Error("listing entities failed", "device_id", device.ID, "error", err)
		return
	}
	for _, desc := range entities {
		if _, err := d.registry.UpsertEntity(ctx, desc, device.ID, d.home.ID); err != nil {
			d.logger.Error("upsert entity failed", "device_id", device.ID, "error", err)
		}
	}
}

func (d *Daemon) runSubscriptionLoop(ctx context.Context) {
	defer d.wg.Done()
	d.subscribeOnce(ctx)

	ticker := time.NewTicker(d.cfg.SubscriptionInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.subscribeOnce(ctx)
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *Daemon) subscribeOnce(ctx context.Context) {
	entities, err := d.registry.Entities(ctx, registry.EntityFilter{HomeID: d.home.ID})
	if err != nil {
		d.logger.Error("listing entities for subscription failed", "error", err)
		return
	}

	for _, e := range entities {
		e := e

		d.subMu.Lock()
		_, already := d.subs[e.ID]
		d.subMu.Unlock()
		if already {
			continue
		}

		device, err := d.registry.GetDevice(ctx, e.DeviceID)
		if err != nil || device.PairedAt == nil {
			continue
		}
		drv, err := d.driverRegistry.Get(device.Protocol)
		if err != nil {
			continue
		}

		unsub, err := drv.Subscribe(ctx, e.Key, func(driverEntityID string, state map[string]any) {
			d.onEntityState(e, state)
		})
		if err != nil {
			d.logger.Warn("driver subscribe failed", "entity_id", e.ID, "error", err)
			continue
		}

		d.subMu.Lock()
		d.subs[e.ID] = unsub
		d.subMu.Unlock()
	}
}

func (d *Daemon) onEntityState(e registry.Entity, state map[string]any) {
	d.bus.Publish(bus.EntityStateTopic(e.ID), state)

	if e.Kind != driver.KindSensor {
		return
	}
	value, ok := numericStateValue(state)
	if !ok {
		return
	}
	unit, _ := state["unit"].(string)

	d.bus.Publish(bus.TopicTelemetry, TelemetrySample{
		EntityID: e.ID,
		HomeID:   e.HomeID,
		Field:    normalizeFieldName(e.Name),
		Value:    value,
		Unit:     unit,
		Ts:       time.Now().UTC(),
	})
}

func numericStateValue(state map[string]any) (float64, bool) {
	raw, ok := state["value"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// normalizeFieldName derives a telemetry field name from an entity's
// display name: lowercased, whitespace runs collapsed to underscores,
// with CO2-looking names collapsed to the canonical "co2".
func normalizeFieldName(name string) string {
	lower := strings.ToLower(name)
	if strings.Contains(lower, "co2") || strings.Contains(lower, "co 2") {
		return "co2"
	}
	return whitespaceRun.ReplaceAllString(strings.TrimSpace(lower), "_")
}
