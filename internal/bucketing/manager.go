package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// HourLayout formats hour buckets the same way in every backend.
const HourLayout = "2006010215"

const DefaultStripes = 256

type BucketingManager struct {
	stripes    int
	hasherPool sync.Pool
}

// HourWindow describes the wall-clock hour a timestamp falls into.
type HourWindow struct {
	Bucket    string
	Start     time.Time
	Remaining time.Duration
}

func NewBucketingManager(stripes int) *BucketingManager {
	if stripes <= 0 {
		stripes = DefaultStripes
	}

	bm := &BucketingManager{stripes: stripes}
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// Stripe maps key onto [0, stripes).
func (bm *BucketingManager) Stripe(key string) int {
	return int(bm.getHash(key) % uint64(bm.stripes))
}

func (bm *BucketingManager) Stripes() int {
	return bm.stripes
}

// Hour returns the UTC hour bucket containing t and the time left until it
// closes. Remaining is never zero so it can be used as a key expiry.
func (bm *BucketingManager) Hour(t time.Time) HourWindow {
	utc := t.UTC()
	start := utc.Truncate(time.Hour)
	remaining := start.Add(time.Hour).Sub(utc)
	if remaining <= 0 {
		remaining = time.Hour
	}
	return HourWindow{
		Bucket:    start.Format(HourLayout),
		Start:     start,
		Remaining: remaining,
	}
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
