package bucketing

import (
	"testing"
	"time"

	"identity-service/internal/config"
)

func newManager(events int) *BucketingManager {
	return NewBucketingManager(&config.Config{Bucketing: config.BucketingConfig{UserBuckets: 16, EventBuckets: events}})
}

func TestEventBucketIsStableAndInRange(t *testing.T) {
	bm := newManager(8)
	first := bm.GetEventBucket("+254712345678")
	for i := 0; i < 10; i++ {
		if got := bm.GetEventBucket("+254712345678"); got != first {
			t.Fatalf("bucket changed between calls: %d vs %d", first, got)
		}
	}
	for _, id := range []string{"a", "b", "+254700000000", "user-1"} {
		if b := bm.GetEventBucket(id); b < 0 || b >= 8 {
			t.Fatalf("bucket %d out of range", b)
		}
	}
}

func TestDefaultsForZeroConfig(t *testing.T) {
	bm := NewBucketingManager(&config.Config{})
	if bm.GetEventBuckets() != 64 {
		t.Fatalf("expected default of 64 event buckets, got %d", bm.GetEventBuckets())
	}
}

func TestPartitionKeyMatchesBucket(t *testing.T) {
	bm := newManager(4)
	key := string(bm.PartitionKey("u1"))
	a := bm.GetBucketAssignment("u1", "u1", time.Date(2025, 1, 2, 23, 0, 0, 0, time.UTC))
	if key == "" || a.DateBucket != "2025-01-02" {
		t.Fatalf("unexpected assignment %+v key=%q", a, key)
	}
}

func TestFingerprintIsDeterministic(t *testing.T) {
	bm := newManager(4)
	if bm.Fingerprint("+254712345678") != bm.Fingerprint("+254712345678") {
		t.Fatalf("fingerprint must be deterministic")
	}
	if bm.Fingerprint("+254712345678") == bm.Fingerprint("+254712345679") {
		t.Fatalf("fingerprints should differ")
	}
}
