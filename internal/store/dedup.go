package store

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// dedup suppresses repeat history entries. The bloom filter gives cheap
// membership over everything ever recorded in this process, the LRU keeps an
// exact window of recent keys so bloom false positives cannot hide a track
// that was genuinely never recorded recently.
type dedup struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
	recent *lru.Cache[string, struct{}]
}

func newDedup(capacity int, falsePositiveRate float64) (*dedup, error) {
	recent, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, err
	}

	return &dedup{
		filter: bloom.NewWithEstimates(uint(capacity), falsePositiveRate),
		recent: recent,
	}, nil
}

// seen reports whether key was marked before.
func (d *dedup) seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.filter.TestString(key) {
		return false
	}
	return d.recent.Contains(key)
}

// mark records key for future seen checks.
func (d *dedup) mark(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.filter.AddString(key)
	d.recent.Add(key, struct{}{})
}
