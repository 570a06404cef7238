package transfer

import (
	"fmt"
	"sync"

	cuckoo "github.com/seiflotfy/cuckoofilter"
)

// Dedup is the incoming engine's fast-reject accelerator:
// a cuckoo filter over (boxId, transactionId, seq) triples already
// accepted, consulted ahead of the database round-trip the uniqueness
// index in box.Store performs anyway. A false positive here only
// means an extra DB write path is taken for a triple that turns out to
// be genuinely new; a false negative never happens for an inserted
// triple, so box.Store.UpdateIncoming remains the sole source of
// truth for correctness.
type Dedup struct {
	mu     sync.Mutex
	filter *cuckoo.Filter
}

// NewDedup builds a filter sized for the expected number of distinct
// triples a box sees between restarts. The filter is purely an
// in-process cache: it starts empty on every restart and Seen always
// falls through to the caller's own check for anything it hasn't
// already recorded.
func NewDedup(capacity uint) *Dedup {
	return &Dedup{filter: cuckoo.NewFilter(capacity)}
}

func dedupKey(boxID, transactionID string, seq int) []byte {
	return []byte(fmt.Sprintf("%s/%s/%d", boxID, transactionID, seq))
}

// Seen reports whether this triple has already been recorded via
// Record. A true result is not a guarantee (cuckoo filters admit false
// positives); callers must still treat the database as authoritative
// before skipping work.
func (d *Dedup) Seen(boxID, transactionID string, seq int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.filter.Lookup(dedupKey(boxID, transactionID, seq))
}

// Record marks a triple as accepted, to short-circuit future retries.
func (d *Dedup) Record(boxID, transactionID string, seq int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filter.InsertUnique(dedupKey(boxID, transactionID, seq))
}
