package rpc

import (
	"testing"
	"time"
)

func TestDedupSetSeenBefore(t *testing.T) {
	d := newDedupSet(10*time.Minute, 5000)
	now := time.Now()

	if d.seenBefore("evt-1", now) {
		t.Fatal("first sighting reported as already seen")
	}
	if !d.seenBefore("evt-1", now.Add(time.Second)) {
		t.Fatal("second sighting within ttl not recognized as a duplicate")
	}
	if d.seenBefore("evt-2", now) {
		t.Fatal("distinct id reported as already seen")
	}
}

func TestDedupSetExpiresAfterTTL(t *testing.T) {
	d := newDedupSet(time.Minute, 5000)
	now := time.Now()

	d.seenBefore("evt-1", now)
	if d.seenBefore("evt-1", now.Add(2*time.Minute)) {
		t.Fatal("id still reported seen after the ttl elapsed")
	}
}

func TestDedupSetEvictsAtCapacity(t *testing.T) {
	d := newDedupSet(time.Hour, 3)
	now := time.Now()

	d.seenBefore("a", now)
	d.seenBefore("b", now)
	d.seenBefore("c", now)
	d.seenBefore("d", now) // should evict one entry to stay bounded

	if len(d.seen) > 3 {
		t.Fatalf("dedup set grew past its configured max: %d entries", len(d.seen))
	}
}
