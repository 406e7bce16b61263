package payment

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// seenFilter remembers correlation ids this process has already started
// handling. A miss is definitive, a hit still needs a store lookup.
type seenFilter struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
}

func newSeenFilter(capacity uint, fpRate float64) *seenFilter {
	return &seenFilter{filter: bloom.NewWithEstimates(capacity, fpRate)}
}

func (f *seenFilter) Test(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filter.TestString(id)
}

func (f *seenFilter) Add(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter.AddString(id)
}
