package bucketing

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThrottleKey_Deterministic(t *testing.T) {
	bm := NewBucketingManagerWithBuckets(64)

	a := bm.ThrottleKey("3f2c9a8e-1111-4a4a-9b9b-abcdefabcdef")
	b := bm.ThrottleKey("  3F2C9A8E-1111-4A4A-9B9B-ABCDEFABCDEF ")

	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "throttle:{"))
	assert.True(t, strings.HasSuffix(a, ":3f2c9a8e-1111-4a4a-9b9b-abcdefabcdef"))
}

func TestThrottleBucket_InRange(t *testing.T) {
	bm := NewBucketingManagerWithBuckets(8)
	seen := make(map[int]bool)

	for i := 0; i < 500; i++ {
		bucket := bm.GetThrottleBucket(fmt.Sprintf("user-%d", i))
		assert.GreaterOrEqual(t, bucket, 0)
		assert.Less(t, bucket, 8)
		seen[bucket] = true
	}
	assert.Len(t, seen, 8, "500 users should touch every bucket")
}

func TestNewBucketingManager_NonPositiveBuckets(t *testing.T) {
	bm := NewBucketingManagerWithBuckets(0)
	assert.Equal(t, 1, bm.GetThrottleBuckets())
	assert.Equal(t, 0, bm.GetThrottleBucket("anyone"))
}
