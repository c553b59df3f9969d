package partial

import (
	"testing"
	"time"
)

func testKey() Key {
	return Key{UserID: "user-1", CVID: 42, Fingerprint: "abc123"}
}

func TestCachePutGetRoundTrip(t *testing.T) {
	cache := NewCache(time.Minute)
	key := testKey()

	cache.Put(key, Snapshot{Progress: 40, State: "analyzing", StageLabel: "Analyzing content"})

	snapshot, ok := cache.Get(key)
	if !ok {
		t.Fatalf("expected entry to be present")
	}
	if snapshot.Progress != 40 {
		t.Fatalf("expected progress 40, got %d", snapshot.Progress)
	}
	if snapshot.State != "analyzing" {
		t.Fatalf("expected state analyzing, got %s", snapshot.State)
	}
}

func TestCacheOverwriteReplacesSnapshot(t *testing.T) {
	cache := NewCache(time.Minute)
	key := testKey()

	cache.Put(key, Snapshot{Progress: 40, State: "analyzing"})
	cache.Put(key, Snapshot{Progress: 60, State: "standardizing"})

	snapshot, ok := cache.Get(key)
	if !ok {
		t.Fatalf("expected entry to be present")
	}
	if snapshot.Progress != 60 {
		t.Fatalf("expected overwritten progress 60, got %d", snapshot.Progress)
	}
	if cache.Len() != 1 {
		t.Fatalf("expected single entry after overwrite, got %d", cache.Len())
	}
}

func TestCacheEntryExpiresAfterTTL(t *testing.T) {
	cache := NewCache(time.Minute)
	key := testKey()

	cache.PutWithTTL(key, Snapshot{Progress: 40, State: "analyzing"}, 20*time.Millisecond)

	if _, ok := cache.Get(key); !ok {
		t.Fatalf("expected entry before TTL elapses")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := cache.Get(key); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("entry still present after TTL elapsed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCacheOverwriteSurvivesStaleTimer(t *testing.T) {
	cache := NewCache(time.Minute)
	key := testKey()

	cache.PutWithTTL(key, Snapshot{Progress: 10, State: "started"}, 15*time.Millisecond)
	cache.PutWithTTL(key, Snapshot{Progress: 80, State: "generating"}, time.Minute)

	// Wait past the first entry's TTL; the stale timer must not evict the
	// replacement entry.
	time.Sleep(60 * time.Millisecond)

	snapshot, ok := cache.Get(key)
	if !ok {
		t.Fatalf("replacement entry was evicted by a stale timer")
	}
	if snapshot.Progress != 80 {
		t.Fatalf("expected progress 80, got %d", snapshot.Progress)
	}
}

func TestCacheRemoveDeletesEntry(t *testing.T) {
	cache := NewCache(time.Minute)
	key := testKey()

	cache.Put(key, Snapshot{Progress: 100, State: "complete"})
	cache.Remove(key)

	if _, ok := cache.Get(key); ok {
		t.Fatalf("expected entry to be removed")
	}
	// Removing an absent key is a no-op.
	cache.Remove(key)
}

func TestCacheKeysAreIndependent(t *testing.T) {
	cache := NewCache(time.Minute)
	first := Key{UserID: "user-1", CVID: 1, Fingerprint: "aaa"}
	second := Key{UserID: "user-1", CVID: 1, Fingerprint: "bbb"}

	cache.Put(first, Snapshot{Progress: 40})
	cache.Put(second, Snapshot{Progress: 80})

	firstSnapshot, _ := cache.Get(first)
	secondSnapshot, _ := cache.Get(second)
	if firstSnapshot.Progress != 40 || secondSnapshot.Progress != 80 {
		t.Fatalf("entries with distinct fingerprints must not collide")
	}
}
