package storage

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func TestGuildDocRoundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if payload, err := store.GetGuildDoc(ctx, DocJoinRaid, "g1"); err != nil || payload != nil {
		t.Fatalf("expected empty doc, got %q err=%v", payload, err)
	}

	if err := store.UpsertGuildDoc(ctx, DocJoinRaid, "g1", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.UpsertGuildDoc(ctx, DocJoinRaid, "g1", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("upsert again: %v", err)
	}

	payload, err := store.GetGuildDoc(ctx, DocJoinRaid, "g1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(payload) != `{"v":2}` {
		t.Fatalf("got %q", payload)
	}

	guilds, err := store.ListGuildDocs(ctx, DocJoinRaid)
	if err != nil || len(guilds) != 1 || guilds[0] != "g1" {
		t.Fatalf("list: %v %v", guilds, err)
	}

	if err := store.DeleteGuildDoc(ctx, DocJoinRaid, "g1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if payload, _ := store.GetGuildDoc(ctx, DocJoinRaid, "g1"); payload != nil {
		t.Fatalf("expected deleted, got %q", payload)
	}
}

func TestStrikesIncrementAndReset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, err := store.IncrementStrikes(ctx, "g1", "u1", time.Hour)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if rec.CountCurrent != 1 || rec.LifetimeCount != 1 {
		t.Fatalf("got %+v", rec)
	}

	rec, err = store.IncrementStrikes(ctx, "g1", "u1", time.Hour)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if rec.CountCurrent != 2 || rec.LifetimeCount != 2 {
		t.Fatalf("got %+v", rec)
	}

	// An already-elapsed reset window zeroes the current count but never
	// the lifetime count.
	rec, err = store.IncrementStrikes(ctx, "g1", "u1", -time.Second)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	rec, err = store.IncrementStrikes(ctx, "g1", "u1", time.Hour)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if rec.CountCurrent != 1 || rec.LifetimeCount != 4 {
		t.Fatalf("expected reset current with lifetime 4, got %+v", rec)
	}
}

func TestNilStoreDegrades(t *testing.T) {
	var store *Store
	ctx := context.Background()

	if store.Available(ctx) {
		t.Fatalf("nil store should be unavailable")
	}
	if err := store.UpsertGuildDoc(ctx, DocPanic, "g1", []byte("{}")); err != nil {
		t.Fatalf("nil upsert should no-op: %v", err)
	}
	if payload, err := store.GetGuildDoc(ctx, DocPanic, "g1"); err != nil || payload != nil {
		t.Fatalf("nil get should no-op")
	}
	if _, err := store.IncrementStrikes(ctx, "g1", "u1", time.Hour); err != nil {
		t.Fatalf("nil strikes should no-op: %v", err)
	}
}

func TestAuditLogs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := AuditLog{GuildID: "g1", UserID: "u1", Level: "WARN", Event: "panic_enter", Details: "heat=120", CreatedAt: time.Now()}
	if err := store.AddAuditLog(ctx, entry); err != nil {
		t.Fatalf("add: %v", err)
	}

	logs, err := store.ListAuditLogs(ctx, "g1", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(logs) != 1 || logs[0].Event != "panic_enter" {
		t.Fatalf("got %+v", logs)
	}
}
