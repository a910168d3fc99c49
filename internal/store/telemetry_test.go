package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestTelemetryDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(Config{Path: filepath.Join(dir, "test.db"), WALMode: false, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema, err := os.ReadFile(filepath.Join("..", "..", "migrations", "20260101_000000_initial_schema.up.sql"))
	if err != nil {
		t.Fatalf("reading schema: %v", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		t.Fatalf("applying schema: %v", err)
	}

	if _, err := db.Exec(`INSERT INTO homes (id, name, timezone, created_at, updated_at) VALUES ('home-1','Home','UTC',?,?)`,
		time.Now().UTC(), time.Now().UTC()); err != nil {
		t.Fatalf("seeding home: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO devices (id, home_id, protocol, vendor, model, address, fingerprint, last_seen, created_at, updated_at)
		VALUES ('device-1','home-1','esphome','acme','sensor1','10.0.0.1','F1',?,?,?)`,
		time.Now().UTC(), time.Now().UTC(), time.Now().UTC()); err != nil {
		t.Fatalf("seeding device: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO entities (id, device_id, home_id, kind, key, name, capability, created_at, updated_at)
		VALUES ('entity-1','device-1','home-1','sensor','temp','Temperature','{}',?,?)`,
		time.Now().UTC(), time.Now().UTC()); err != nil {
		t.Fatalf("seeding entity: %v", err)
	}

	return db
}

func TestBatcherFlushesOnStopBelowBatchSize(t *testing.T) {
	db := openTestTelemetryDB(t)
	repo := NewTelemetryRepository(db)
	b := NewBatcher(repo, nil, 100, time.Hour)

	b.Start(context.Background())

	const k = 7
	for i := 0; i < k; i++ {
		b.Enqueue(TelemetryPoint{EntityID: "entity-1", HomeID: "home-1", Field: "temperature", Value: float64(20 + i), Unit: "C", Ts: time.Now().UTC()})
	}
	b.Stop()

	points, err := repo.ByEntity(context.Background(), "entity-1", TelemetryQuery{})
	if err != nil {
		t.Fatalf("ByEntity: %v", err)
	}
	if len(points) != k {
		t.Fatalf("got %d persisted points, want %d", len(points), k)
	}
}

func TestBatcherFlushesAtBatchSize(t *testing.T) {
	db := openTestTelemetryDB(t)
	repo := NewTelemetryRepository(db)
	b := NewBatcher(repo, nil, 3, time.Hour)

	b.Start(context.Background())
	for i := 0; i < 3; i++ {
		b.Enqueue(TelemetryPoint{EntityID: "entity-1", HomeID: "home-1", Field: "temperature", Value: float64(i), Ts: time.Now().UTC()})
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		points, err := repo.ByEntity(context.Background(), "entity-1", TelemetryQuery{})
		if err != nil {
			t.Fatalf("ByEntity: %v", err)
		}
		if len(points) == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("batch of 3 never flushed, got %d", len(points))
		}
		time.Sleep(time.Millisecond)
	}
	b.Stop()
}

func TestEntityStateWriteIsLastWriteWins(t *testing.T) {
	db := openTestTelemetryDB(t)
	repo := NewEntityStateRepository(db)

	var wg concurrentWriters
	wg.run(10, func(i int) {
		_ = repo.Write(context.Background(), "entity-1", map[string]any{"n": i})
	})

	got, err := repo.Get(context.Background(), "entity-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok := got.State["n"]; !ok {
		t.Fatalf("expected state to contain key %q, got %v", "n", got.State)
	}
}

// concurrentWriters is a minimal fan-out helper so the state-write test
// reads like the rest of the package's table-driven style without
// pulling in a third-party concurrency-testing helper.
type concurrentWriters struct{}

func (concurrentWriters) run(n int, fn func(i int)) {
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			fn(i)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}
}
