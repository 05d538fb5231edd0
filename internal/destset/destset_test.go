package destset

import (
	"math/rand"
	"sync"
	"testing"
	"time"
)

func TestInsertRemoveSnapshot(t *testing.T) {
	s := New()
	d1 := Destination{IPv4: [4]byte{10, 0, 0, 34}, Port: 9001}
	d2 := Destination{IPv4: [4]byte{10, 0, 0, 35}, Port: 9001}

	if !s.Insert(d1) {
		t.Error("expected Insert to report newly added")
	}
	if s.Insert(d1) {
		t.Error("expected second Insert of same destination to report false")
	}
	if !s.Insert(d2) {
		t.Error("expected Insert of d2 to report newly added")
	}

	snap := s.Snapshot()
	if len(snap) != 2 || snap[0] != d1 || snap[1] != d2 {
		t.Errorf("snapshot = %v, want lexicographic [d1, d2]", snap)
	}

	if !s.Remove(d1) {
		t.Error("expected Remove to report present")
	}
	if s.Remove(d1) {
		t.Error("expected second Remove to report absent")
	}

	snap2 := s.Snapshot()
	if len(snap2) != 1 || snap2[0] != d2 {
		t.Errorf("snapshot after remove = %v, want [d2]", snap2)
	}
}

func TestVersionMonotonic(t *testing.T) {
	s := New()
	v0 := s.CurrentVersion()
	s.Insert(Destination{IPv4: [4]byte{1, 1, 1, 1}, Port: 1})
	v1 := s.CurrentVersion()
	s.Insert(Destination{IPv4: [4]byte{1, 1, 1, 1}, Port: 1}) // duplicate, no bump
	v2 := s.CurrentVersion()
	s.Remove(Destination{IPv4: [4]byte{1, 1, 1, 1}, Port: 1})
	v3 := s.CurrentVersion()

	if !(v0 < v1) {
		t.Errorf("expected version to increase on insert: v0=%d v1=%d", v0, v1)
	}
	if v1 != v2 {
		t.Errorf("expected version unchanged on duplicate insert: v1=%d v2=%d", v1, v2)
	}
	if !(v2 < v3) {
		t.Errorf("expected version to increase on remove: v2=%d v3=%d", v2, v3)
	}
}

func TestVersionMonotonicUnderConcurrentInsertRemove(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	prev := s.CurrentVersion()
	var mu sync.Mutex

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := Destination{IPv4: [4]byte{10, 0, 0, byte(i % 5)}, Port: uint16(9000 + i%5)}
			if rand.Intn(2) == 0 {
				s.Insert(d)
			} else {
				s.Remove(d)
			}
			mu.Lock()
			v := s.CurrentVersion()
			if v < prev {
				t.Errorf("version decreased: prev=%d now=%d", prev, v)
			}
			prev = v
			mu.Unlock()
		}(i)
	}
	wg.Wait()
}

func TestInsertThenSnapshotAlwaysContainsIt(t *testing.T) {
	s := New()
	d := Destination{IPv4: [4]byte{10, 0, 0, 99}, Port: 4242}
	s.Insert(d)
	snap := s.Snapshot()
	found := false
	for _, got := range snap {
		if got == d {
			found = true
		}
	}
	if !found {
		t.Error("expected snapshot to contain just-inserted destination")
	}
}

func TestRemoveThenSnapshotNeverContainsIt(t *testing.T) {
	s := New()
	d := Destination{IPv4: [4]byte{10, 0, 0, 99}, Port: 4242}
	s.Insert(d)
	s.Remove(d)
	snap := s.Snapshot()
	for _, got := range snap {
		if got == d {
			t.Error("expected snapshot to not contain just-removed destination")
		}
	}
}

func TestThreadLocalCacheRefreshesOnVersionChange(t *testing.T) {
	s := New()
	cache := NewThreadLocalCache(s, time.Hour) // long timeout: only version bump should refresh

	if got := cache.Destinations(); len(got) != 0 {
		t.Fatalf("expected empty initial cache, got %v", got)
	}

	d := Destination{IPv4: [4]byte{10, 0, 0, 34}, Port: 9001}
	s.Insert(d)

	got := cache.Destinations()
	if len(got) != 1 || got[0] != d {
		t.Errorf("expected cache to observe insert via version bump, got %v", got)
	}
}

func TestThreadLocalCacheRefreshesOnTimeout(t *testing.T) {
	s := New()
	cache := NewThreadLocalCache(s, time.Millisecond)

	cache.Destinations() // prime lastRefresh

	d := Destination{IPv4: [4]byte{10, 0, 0, 34}, Port: 9001}
	s.Insert(d)

	time.Sleep(2 * time.Millisecond)
	got := cache.Destinations()
	if len(got) != 1 {
		t.Errorf("expected cache to refresh after timeout, got %v", got)
	}
}
