package ttlcache

import (
	"testing"
	"time"
)

func TestGetSet(t *testing.T) {
	c := New[int](10, time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected miss on empty cache")
	}
	c.Set("a", 1)
	v, ok := c.Get("a")
	if !ok || v != 1 {
		t.Fatalf("Get(a) = %v, %v; want 1, true", v, ok)
	}
}

func TestCapEvictsOldest(t *testing.T) {
	c := New[int](2, time.Hour)
	c.Set("a", 1)
	time.Sleep(time.Millisecond)
	c.Set("b", 2)
	time.Sleep(time.Millisecond)
	c.Set("c", 3) // should evict "a"

	if _, ok := c.Get("a"); ok {
		t.Fatal("expected a to be evicted")
	}
	if _, ok := c.Get("b"); !ok {
		t.Fatal("expected b to survive")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatal("expected c to survive")
	}
	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New[int](10, 10*time.Millisecond)
	c.Set("a", 1)
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected expired entry to miss")
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	c := New[int](10, 10*time.Millisecond)
	c.Set("a", 1)
	time.Sleep(20 * time.Millisecond)
	c.Set("b", 2)
	removed := c.Sweep()
	if removed != 1 {
		t.Fatalf("Sweep removed %d, want 1", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
}

func TestDelete(t *testing.T) {
	c := New[int](10, time.Hour)
	c.Set("a", 1)
	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected a to be deleted")
	}
}
