package kv

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryGetSet(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := store.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != "v" {
		t.Errorf("got %q, want v", got)
	}

	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := &memoryStore{
		entries: make(map[string]memoryEntry),
		now:     func() time.Time { return now },
	}

	if err := store.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, "k"); err != nil {
		t.Fatalf("expected live entry, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected expired entry to be a miss, got %v", err)
	}
}

func TestMemoryLockSingleFlight(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	ok, err := store.AcquireLock(ctx, "job", TTLLockShort)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	ok, err = store.AcquireLock(ctx, "job", TTLLockShort)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second acquire should fail while lock held")
	}

	locked, err := store.IsLocked(ctx, "job")
	if err != nil || !locked {
		t.Errorf("IsLocked = %v, %v; want true", locked, err)
	}

	if err := store.ReleaseLock(ctx, "job"); err != nil {
		t.Fatal(err)
	}
	ok, err = store.AcquireLock(ctx, "job", TTLLockShort)
	if err != nil || !ok {
		t.Errorf("acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestMemoryLockExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := &memoryStore{
		entries: make(map[string]memoryEntry),
		now:     func() time.Time { return now },
	}

	if ok, _ := store.AcquireLock(ctx, "job", time.Minute); !ok {
		t.Fatal("first acquire failed")
	}
	now = now.Add(2 * time.Minute)
	if ok, _ := store.AcquireLock(ctx, "job", time.Minute); !ok {
		t.Error("acquire after TTL expiry should succeed")
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	type payload struct {
		Name  string  `json:"name"`
		Score float64 `json:"score"`
	}

	in := payload{Name: "x", Score: 0.8}
	if err := SetJSON(ctx, store, "p", in, time.Minute); err != nil {
		t.Fatalf("SetJSON failed: %v", err)
	}

	var out payload
	if err := GetJSON(ctx, store, "p", &out); err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if out != in {
		t.Errorf("round trip mismatch: %+v != %+v", out, in)
	}

	var missing payload
	if err := GetJSON(ctx, store, "absent", &missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// Corrupt entries surface a decode error, not silent zero values.
	if err := store.Set(ctx, "bad", "{not json", time.Minute); err != nil {
		t.Fatal(err)
	}
	var bad payload
	if err := GetJSON(ctx, store, "bad", &bad); err == nil {
		t.Error("expected decode error for corrupt entry")
	}
}
