package cache

import (
	"sync"
	"testing"
	"time"
)

func TestTTLSet_AddContains(t *testing.T) {
	s := NewTTLSet(10, time.Minute)
	if s.Contains("a") {
		t.Fatal("empty set should not contain a")
	}
	s.Add("a")
	if !s.Contains("a") {
		t.Fatal("expected a to be present")
	}
}

func TestTTLSet_Expiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewTTLSet(10, time.Minute)
	s.now = func() time.Time { return now }

	s.Add("a")
	now = now.Add(2 * time.Minute)
	if s.Contains("a") {
		t.Error("expected a to expire")
	}
	if s.Len() != 0 {
		t.Errorf("expected expired key to be evicted on read, len=%d", s.Len())
	}
}

func TestTTLSet_BoundedSize(t *testing.T) {
	s := NewTTLSet(2, time.Minute)
	s.Add("a")
	s.Add("b")
	s.Add("c")

	if s.Len() != 2 {
		t.Fatalf("expected size 2, got %d", s.Len())
	}
	if s.Contains("a") {
		t.Error("expected oldest key to be evicted")
	}
	if !s.Contains("b") || !s.Contains("c") {
		t.Error("expected newest keys to remain")
	}
}

func TestTTLSet_AddIfAbsent(t *testing.T) {
	s := NewTTLSet(10, time.Minute)
	if !s.AddIfAbsent("a") {
		t.Fatal("first add should succeed")
	}
	if s.AddIfAbsent("a") {
		t.Fatal("second add should report duplicate")
	}
	s.Remove("a")
	if !s.AddIfAbsent("a") {
		t.Fatal("add after remove should succeed")
	}
}

func TestTTLSet_Concurrent(t *testing.T) {
	s := NewTTLSet(100, time.Minute)
	var wg sync.WaitGroup
	wins := make(chan struct{}, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.AddIfAbsent("same") {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	n := 0
	for range wins {
		n++
	}
	if n != 1 {
		t.Errorf("expected exactly one winner, got %d", n)
	}
}
