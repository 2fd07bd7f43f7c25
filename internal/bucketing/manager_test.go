package bucketing

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"erp-auth-service/internal/config"
)

func testManager() *BucketingManager {
	return NewBucketingManager(&config.Config{
		Bucketing: config.BucketingConfig{
			AccountBuckets: 16,
			EventBuckets:   64,
		},
	})
}

func TestAccountBucketStable(t *testing.T) {
	bm := testManager()

	first := bm.AccountBucket("b3a1f8c2-0000-4000-8000-000000000001")
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, bm.AccountBucket("b3a1f8c2-0000-4000-8000-000000000001"))
	}
}

func TestBucketRange(t *testing.T) {
	bm := testManager()

	seen := make(map[int]bool)
	for i := 0; i < 1000; i++ {
		b := bm.AccountBucket(fmt.Sprintf("account-%d", i))
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 16)
		seen[b] = true
	}

	// With 1000 keys over 16 buckets every bucket should be hit.
	assert.Len(t, seen, 16)
}

func TestEventBucketIndependentOfAccountBucket(t *testing.T) {
	bm := testManager()

	b := bm.EventBucket("some-event-key")
	assert.GreaterOrEqual(t, b, 0)
	assert.Less(t, b, 64)
}

func TestZeroBucketsFallsBackToZero(t *testing.T) {
	bm := NewBucketingManager(&config.Config{})
	assert.Equal(t, 0, bm.AccountBucket("anything"))
}
