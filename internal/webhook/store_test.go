package webhook

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func testStore(t *testing.T) *RedisSnapshotStore {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSnapshotStore(client)
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	created := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	pending := &RetryJob{
		ID:          "job-1",
		Payload:     json.RawMessage(`{"id":"exec-1"}`),
		Attempts:    2,
		LastError:   "transient failure",
		NextRetryAt: created.Add(30 * time.Second),
		CreatedAt:   created,
	}
	dead := &RetryJob{
		ID:        "job-2",
		Payload:   json.RawMessage(`{"id":"exec-2"}`),
		Attempts:  3,
		LastError: "exhausted",
		CreatedAt: created,
		FailedAt:  created.Add(6 * time.Minute),
	}

	if err := store.SavePending(ctx, pending); err != nil {
		t.Fatalf("save pending: %v", err)
	}
	if err := store.SaveDead(ctx, dead); err != nil {
		t.Fatalf("save dead: %v", err)
	}

	gotPending, gotDead, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(gotPending) != 1 || len(gotDead) != 1 {
		t.Fatalf("expected 1 pending and 1 dead, got %d/%d", len(gotPending), len(gotDead))
	}
	if gotPending[0].ID != "job-1" || gotPending[0].Attempts != 2 || !gotPending[0].NextRetryAt.Equal(pending.NextRetryAt) {
		t.Fatalf("pending job mismatch: %+v", gotPending[0])
	}
	if gotDead[0].ID != "job-2" || !gotDead[0].FailedAt.Equal(dead.FailedAt) {
		t.Fatalf("dead job mismatch: %+v", gotDead[0])
	}
}

func TestSnapshotRemove(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job := &RetryJob{ID: "job-1", Payload: json.RawMessage(`{}`), CreatedAt: time.Now().UTC()}
	if err := store.SavePending(ctx, job); err != nil {
		t.Fatalf("save pending: %v", err)
	}
	if err := store.RemovePending(ctx, "job-1"); err != nil {
		t.Fatalf("remove pending: %v", err)
	}

	pending, dead, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(pending) != 0 || len(dead) != 0 {
		t.Fatalf("expected empty store, got %d/%d", len(pending), len(dead))
	}
}

func TestSnapshotOverwriteKeepsOneEntryPerJob(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	job := &RetryJob{ID: "job-1", Payload: json.RawMessage(`{}`), Attempts: 1, CreatedAt: time.Now().UTC()}
	if err := store.SavePending(ctx, job); err != nil {
		t.Fatalf("save pending: %v", err)
	}
	job.Attempts = 2
	if err := store.SavePending(ctx, job); err != nil {
		t.Fatalf("save pending again: %v", err)
	}

	pending, _, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(pending) != 1 || pending[0].Attempts != 2 {
		t.Fatalf("expected single updated entry, got %+v", pending)
	}
}
