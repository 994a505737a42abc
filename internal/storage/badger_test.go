package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestBadgerStorePutGet(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenBadger(context.Background(), filepath.Join(dir, "index"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if err := store.Put(BucketInstalls, "base_text", []byte("value")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.Get(BucketInstalls, "base_text")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "value" {
		t.Fatalf("expected value, got %s", string(got))
	}
	if _, err := store.Get(BucketInstalls, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBadgerStoreForEachStaysInBucket(t *testing.T) {
	store, err := OpenInMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if err := store.Put(BucketInstalls, "key1", []byte("value1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(BucketInstalls, "key2", []byte("value2")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(BucketRuns, "key3", []byte("value3")); err != nil {
		t.Fatalf("put: %v", err)
	}

	var keys []string
	err = store.ForEach(BucketInstalls, func(key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("foreach: %v", err)
	}
	if len(keys) != 2 || keys[0] != "key1" || keys[1] != "key2" {
		t.Fatalf("unexpected keys %v", keys)
	}

	if err := store.Delete(BucketInstalls, "key1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(BucketInstalls, "key1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted key to be gone, got %v", err)
	}
}

func TestOpenBadgerWaitsForLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index")
	first, err := OpenBadger(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if _, err := OpenBadger(ctx, path, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected lock wait to time out, got %v", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	second, err := OpenBadger(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	second.Close()
}
