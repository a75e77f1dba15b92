package bucketing

import (
	"fmt"
	"hash"
	"strings"
	"sync"

	"github.com/spaolacci/murmur3"

	"convert-service/internal/config"
)

const throttleKeyPrefix = "throttle"

// BucketingManager derives stable storage keys for per-user state. Throttle keys carry a
// murmur3 bucket as a Redis Cluster hash tag so a user's keys always land on one slot.
type BucketingManager struct {
	throttleBuckets int
	hasherPool      sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	return NewBucketingManagerWithBuckets(cfg.Bucketing.ThrottleBuckets)
}

func NewBucketingManagerWithBuckets(buckets int) *BucketingManager {
	if buckets <= 0 {
		buckets = 1
	}
	bm := &BucketingManager{throttleBuckets: buckets}
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// GetThrottleBucket returns a bucket in [0, throttleBuckets).
func (bm *BucketingManager) GetThrottleBucket(userID string) int {
	return int(bm.getHash(normalize(userID)) % uint64(bm.throttleBuckets))
}

// ThrottleKey is the counter key for a user's burst window.
func (bm *BucketingManager) ThrottleKey(userID string) string {
	id := normalize(userID)
	return fmt.Sprintf("%s:{%d}:%s", throttleKeyPrefix, bm.GetThrottleBucket(id), id)
}

func (bm *BucketingManager) GetThrottleBuckets() int {
	return bm.throttleBuckets
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	_, _ = hasher.Write([]byte(key))
	return hasher.Sum64()
}

func normalize(userID string) string {
	return strings.ToLower(strings.TrimSpace(userID))
}
