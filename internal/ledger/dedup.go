package ledger

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// DedupIndex is an in-memory negative cache over journaled webhook event ids.
// MaybeSeen answering false means the id has definitely never been journaled
// by this process, so the receiver can skip the ledger lookup on the hot
// path. False positives fall through to the ledger query.
type DedupIndex struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
}

// NewDedupIndex sizes the bloom filter for the expected number of distinct
// event ids at the given false-positive rate.
func NewDedupIndex(capacity uint, fpr float64) *DedupIndex {
	return &DedupIndex{
		filter: bloom.NewWithEstimates(capacity, fpr),
	}
}

// MaybeSeen reports whether eventID might have been journaled before.
func (d *DedupIndex) MaybeSeen(eventID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.filter.TestString(eventID)
}

// Add marks eventID as journaled.
func (d *DedupIndex) Add(eventID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filter.AddString(eventID)
}

// Seed bulk-loads event ids, typically the recent tail of the webhook ledger
// at startup.
func (d *DedupIndex) Seed(eventIDs []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range eventIDs {
		d.filter.AddString(id)
	}
}
