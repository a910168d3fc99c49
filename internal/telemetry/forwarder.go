// Package telemetry forwards bus telemetry samples to an external
// InfluxDB instance for dashboarding, independent of the SQLite-backed
// append-only store in internal/store that serves GetEntityTelemetry
// and GetHomeTelemetry. Shape follows the teacher's InfluxDB client:
// non-blocking WriteAPI, async error callback, flush-before-close.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/homehub/internal/bus"
	"github.com/nerrad567/homehub/internal/config"
	"github.com/nerrad567/homehub/internal/logging"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second
	msPerSecond           = 1000
)

// Sample is the payload carried on bus.TopicTelemetry.
type Sample struct {
	EntityID string
	HomeID   string
	Field    string
	Value    float64
	Unit     string
	Ts       time.Time
}

// Forwarder subscribes to the bus's telemetry topic and writes every
// sample to InfluxDB through a non-blocking, batched WriteAPI.
type Forwarder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   *logging.Logger

	mu          sync.RWMutex
	connected   bool
	unsubscribe bus.Unsubscribe
	done        chan struct{}
}

// Connect dials InfluxDB per cfg. Returns ErrDisabled if cfg.Enabled is
// false so callers can skip forwarder wiring entirely without a branch
// at every call site.
func Connect(ctx context.Context, cfg config.TelemetryConfig, logger *logging.Logger) (*Forwarder, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if logger == nil {
		logger = logging.Default()
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushIntervalMs := cfg.FlushInterval
	if flushIntervalMs <= 0 {
		flushIntervalMs = 10 * msPerSecond
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushIntervalMs)),
	)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	f := &Forwarder{
		client:    client,
		writeAPI:  writeAPI,
		logger:    logger.With("component", "telemetry_forwarder"),
		connected: true,
		done:      make(chan struct{}),
	}

	go f.handleWriteErrors(writeAPI.Errors())
	return f, nil
}

// Subscribe wires the forwarder to b's telemetry topic. Call once after
// Connect.
func (f *Forwarder) Subscribe(b *bus.Bus) error {
	unsub, err := b.SubscribeErr(bus.TopicTelemetry, func(_ context.Context, msg bus.Message) error {
		sample, ok := msg.Payload.(Sample)
		if !ok {
			return fmt.Errorf("telemetry forwarder: unexpected payload type %T", msg.Payload)
		}
		f.write(sample)
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribing to telemetry topic: %w", err)
	}
	f.unsubscribe = unsub
	return nil
}

func (f *Forwarder) write(s Sample) {
	f.mu.RLock()
	connected := f.connected
	f.mu.RUnlock()
	if !connected {
		return
	}

	point := write.NewPoint(
		"entity_telemetry",
		map[string]string{
			"entity_id": s.EntityID,
			"home_id":   s.HomeID,
			"field":     s.Field,
			"unit":      s.Unit,
		},
		map[string]interface{}{"value": s.Value},
		s.Ts,
	)
	f.writeAPI.WritePoint(point)
}

func (f *Forwarder) handleWriteErrors(errorsCh <-chan error) {
	for {
		select {
		case <-f.done:
			return
		case err, ok := <-errorsCh:
			if !ok {
				return
			}
			f.logger.Warn("influxdb write failed", "error", err)
		}
	}
}

// HealthCheck pings InfluxDB.
func (f *Forwarder) HealthCheck(ctx context.Context) error {
	f.mu.RLock()
	connected := f.connected
	f.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	healthy, err := f.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("influxdb health check failed: server not healthy")
	}
	return nil
}

// Close unsubscribes from the bus, flushes pending writes, and closes
// the InfluxDB connection. Flush happens before the error-handler
// goroutine is signaled to stop so final-flush errors are still
// delivered to the logger.
func (f *Forwarder) Close() {
	if f.unsubscribe != nil {
		f.unsubscribe()
	}

	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()

	f.writeAPI.Flush()
	close(f.done)
	f.client.Close()
}
