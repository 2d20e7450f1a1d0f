package tiered

import (
	"bytes"
	"context"
	"testing"
	"time"
)

type mapCache struct {
	data map[string][]byte
	ttls map[string]time.Duration
}

func newMapCache() *mapCache {
	return &mapCache{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.data[key] = value
	c.ttls[key] = ttl
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	delete(c.data, key)
	return nil
}

func TestSetWritesBothTiers(t *testing.T) {
	l1, l2 := newMapCache(), newMapCache()
	c := New(l1, l2, time.Minute)

	if err := c.Set(context.Background(), "k", []byte("v"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok := l1.data["k"]; !ok {
		t.Fatal("value missing from L1")
	}
	if _, ok := l2.data["k"]; !ok {
		t.Fatal("value missing from L2")
	}
}

func TestGetPrefersL1(t *testing.T) {
	l1, l2 := newMapCache(), newMapCache()
	c := New(l1, l2, time.Minute)

	l1.data["k"] = []byte("from-l1")
	l2.data["k"] = []byte("from-l2")

	got, ok, err := c.Get(context.Background(), "k")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, []byte("from-l1")) {
		t.Fatalf("got %q, want the L1 value", got)
	}
}

func TestGetBackfillsL1FromL2(t *testing.T) {
	l1, l2 := newMapCache(), newMapCache()
	c := New(l1, l2, time.Minute)

	l2.data["k"] = []byte("survived-restart")

	got, ok, err := c.Get(context.Background(), "k")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, []byte("survived-restart")) {
		t.Fatalf("got %q", got)
	}
	if !bytes.Equal(l1.data["k"], []byte("survived-restart")) {
		t.Fatal("L2 hit must backfill L1")
	}
	if l1.ttls["k"] != time.Minute {
		t.Fatalf("backfill ttl = %v, want the configured L1 expiry", l1.ttls["k"])
	}
}

func TestGetMiss(t *testing.T) {
	c := New(newMapCache(), newMapCache(), time.Minute)

	_, ok, err := c.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected a miss")
	}
}

func TestDeleteRemovesBothTiers(t *testing.T) {
	l1, l2 := newMapCache(), newMapCache()
	c := New(l1, l2, time.Minute)

	l1.data["k"] = []byte("v")
	l2.data["k"] = []byte("v")

	if err := c.Delete(context.Background(), "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := l1.data["k"]; ok {
		t.Fatal("value still in L1")
	}
	if _, ok := l2.data["k"]; ok {
		t.Fatal("value still in L2")
	}
}
