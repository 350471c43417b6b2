package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
)

func newTestBadger(t *testing.T) *BadgerCache {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewBadgerCache(db)
}

func TestBadgerCache_AddGet(t *testing.T) {
	ctx := context.Background()
	c := newTestBadger(t)

	if _, ok, err := c.Get(ctx, "Bangkok"); ok || err != nil {
		t.Fatalf("Get() before Add = ok %v err %v, want miss", ok, err)
	}
	if err := c.Add(ctx, "Bangkok", []byte("first"), time.Hour); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := c.Add(ctx, "Bangkok", []byte("second"), time.Hour); err != nil {
		t.Fatalf("second Add() error = %v", err)
	}
	got, ok, err := c.Get(ctx, "Bangkok")
	if err != nil || !ok {
		t.Fatalf("Get() = ok %v err %v", ok, err)
	}
	if string(got) != "first" {
		t.Errorf("Get() = %s, want first", got)
	}
}

func TestBadgerCache_Expiry(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a badger TTL to elapse")
	}
	ctx := context.Background()
	c := newTestBadger(t)

	if err := c.Add(ctx, "k", []byte("v"), time.Second); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	time.Sleep(2100 * time.Millisecond)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("entry still present after TTL")
	}
	if err := c.Add(ctx, "k", []byte("fresh"), time.Minute); err != nil {
		t.Fatalf("Add() after expiry error = %v", err)
	}
	if got, _, _ := c.Get(ctx, "k"); string(got) != "fresh" {
		t.Errorf("Get() = %s, want fresh", got)
	}
}

func TestBadgerCache_ConcurrentAddFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	c := newTestBadger(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := c.Add(ctx, "race", []byte{byte('a' + i)}, time.Minute); err != nil {
				t.Errorf("Add() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	first, ok, _ := c.Get(ctx, "race")
	if !ok || len(first) != 1 {
		t.Fatalf("Get() = %v, %v", first, ok)
	}
}

func TestBadgerCache_InvalidTTLAndPing(t *testing.T) {
	ctx := context.Background()
	c := newTestBadger(t)
	if err := c.Add(ctx, "k", []byte("v"), 0); !errors.Is(err, ErrInvalidTTL) {
		t.Errorf("Add(ttl=0) error = %v", err)
	}
	if err := c.Ping(ctx); err != nil {
		t.Errorf("Ping() = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on borrowed db = %v", err)
	}
}

func TestOpenBadgerCache_OnDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c, err := OpenBadgerCache(dir)
	if err != nil {
		t.Fatalf("OpenBadgerCache() error = %v", err)
	}
	if err := c.Add(ctx, "persisted", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Ping(ctx); err == nil {
		t.Error("Ping() after Close = nil, want error")
	}

	reopened, err := OpenBadgerCache(dir)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()
	if got, ok, _ := reopened.Get(ctx, "persisted"); !ok || string(got) != "v" {
		t.Errorf("Get() after reopen = %s, %v", got, ok)
	}
}
