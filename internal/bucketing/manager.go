package bucketing

import (
	"hash"
	"sync"
	"time"

	"erp-auth-service/internal/config"

	"github.com/spaolacci/murmur3"
)

// BucketingManager assigns stable partition buckets for the account and
// audit-event tables so that wide rows stay spread across the cluster.
type BucketingManager struct {
	accountBuckets int
	eventBuckets   int
	hasherPool     sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		accountBuckets: cfg.Bucketing.AccountBuckets,
		eventBuckets:   cfg.Bucketing.EventBuckets,
	}

	// Pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// AccountBucket returns the consistent bucket for an account id
// (0 to accountBuckets-1).
func (bm *BucketingManager) AccountBucket(accountID string) int {
	return bm.getBucket(accountID, bm.accountBuckets)
}

// EventBucket returns the bucket for audit events keyed by subject.
func (bm *BucketingManager) EventBucket(identifier string) int {
	return bm.getBucket(identifier, bm.eventBuckets)
}

// TimeBucket returns the aligned time window start, used to partition
// append-only tables by window.
func (bm *BucketingManager) TimeBucket(windowSeconds int) int64 {
	return time.Now().Unix() / int64(windowSeconds) * int64(windowSeconds)
}

// DateBucket returns the UTC date partition for audit events.
func (bm *BucketingManager) DateBucket() string {
	return time.Now().UTC().Format("2006-01-02")
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	if numBuckets <= 0 {
		return 0
	}
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
