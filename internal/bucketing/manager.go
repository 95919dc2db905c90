package bucketing

import (
	"hash"
	"strconv"
	"sync"
	"time"

	"identity-service/internal/config"

	"github.com/spaolacci/murmur3"
)

// BucketingManager spreads security events over a fixed number of
// buckets so that one phone number or user always lands on the same
// Kafka partition key and ClickHouse bucket.
type BucketingManager struct {
	userBuckets  int
	eventBuckets int
	hasherPool   sync.Pool
}

type BucketAssignment struct {
	UserBucket  int    `json:"user_bucket"`
	EventBucket int    `json:"event_bucket"`
	DateBucket  string `json:"date_bucket"`
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		userBuckets:  positive(cfg.Bucketing.UserBuckets, 1024),
		eventBuckets: positive(cfg.Bucketing.EventBuckets, 64),
	}
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

func positive(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func (bm *BucketingManager) GetUserBucket(userID string) int {
	return bm.getBucket(userID, bm.userBuckets)
}

func (bm *BucketingManager) GetEventBucket(identifier string) int {
	return bm.getBucket(identifier, bm.eventBuckets)
}

func (bm *BucketingManager) GetDateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// PartitionKey is the Kafka message key for events about identifier.
func (bm *BucketingManager) PartitionKey(identifier string) []byte {
	return []byte(strconv.Itoa(bm.GetEventBucket(identifier)))
}

func (bm *BucketingManager) GetBucketAssignment(userID, identifier string, at time.Time) *BucketAssignment {
	return &BucketAssignment{
		UserBucket:  bm.GetUserBucket(userID),
		EventBucket: bm.GetEventBucket(identifier),
		DateBucket:  bm.GetDateBucket(at),
	}
}

// Fingerprint is a stable, non-reversible tag for a phone number in
// analytics sinks.
func (bm *BucketingManager) Fingerprint(value string) string {
	return strconv.FormatUint(bm.getHash(value), 16)
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}

func (bm *BucketingManager) GetEventBuckets() int {
	return bm.eventBuckets
}
