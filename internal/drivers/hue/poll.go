package hue

import (
	"context"
	"time"
)

// pollLoop implements Subscribe's push-style contract over Hue's
// pull-only REST API: one GET /lights sweep per tick, diffed against
// the last-seen snapshot, dispatching only to entities whose state
// changed.
func (d *Driver) pollLoop(s *bridgeSession) {
	defer s.wg.Done()

	interval := time.Duration(d.cfg.PollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.pollOnce(s)
		case <-s.stopCh:
			return
		}
	}
}

func lightsEqual(a, b hueLight) bool {
	if a.State.On != b.State.On || a.State.Bri != b.State.Bri || a.Name != b.Name {
		return false
	}
	if len(a.State.XY) != len(b.State.XY) {
		return false
	}
	for i := range a.State.XY {
		if a.State.XY[i] != b.State.XY[i] {
			return false
		}
	}
	return true
}

func (d *Driver) pollOnce(s *bridgeSession) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	lights, err := s.client.getLights(ctx, s.apiKey)
	if err != nil {
		d.logger.Warn("hue poll failed", "error", err)
		return
	}

	s.mu.Lock()
	changed := make(map[string]hueLight)
	for id, l := range lights {
		prev, known := s.lastState[id]
		if !known || !lightsEqual(prev, l) {
			changed[id] = l
		}
	}
	s.lastState = lights
	s.mu.Unlock()

	for id, l := range changed {
		key := lightKey(id)
		s.callbacksMu.RLock()
		cb, subscribed := s.callbacks[key]
		s.callbacksMu.RUnlock()
		if !subscribed {
			continue
		}
		cb(key, map[string]any{
			"state":      l.State.On,
			"brightness": l.State.Bri,
		})
	}
}
