package cluster

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	cuckoo "github.com/linvon/cuckoo-filter"
)

const (
	dedupBucketSize      = 4
	dedupFingerprintSize = 16    // 16-bit fingerprint, fine for a short-lived window
	dedupNumBuckets      = 16384 // 64K capacity, well above any realistic 10s burst
	dedupWindow          = 10 * time.Second
)

// Dedup tracks (origin_node, origin_seq) pairs seen within a rolling window
// so a forwarded broadcast or CDC event delivered by more than one path
// (e.g. during a tenant ownership handover) is dispatched to local
// subscribers only once. A cuckoo filter gives a cheap probabilistic
// MISS fast path; entries age out by being rebuilt into a fresh filter
// every window rather than deleted individually.
type Dedup struct {
	mu      sync.Mutex
	current *cuckoo.Filter
	prior   *cuckoo.Filter
	rotated time.Time
}

// NewDedup creates an empty dedup filter pair.
func NewDedup() *Dedup {
	return &Dedup{
		current: newCuckooFilter(),
		prior:   newCuckooFilter(),
		rotated: time.Now(),
	}
}

func newCuckooFilter() *cuckoo.Filter {
	return cuckoo.NewFilter(dedupBucketSize, dedupFingerprintSize, dedupNumBuckets, cuckoo.TableTypePacked)
}

// Seen reports whether (originNode, originSeq) has already been recorded
// within the current or prior window, and records it if not. A positive
// report after rotation may rarely be a fingerprint collision rather than
// a true duplicate; that's an acceptable cost for a best-effort dedup pass
// that only prevents a redundant in-process dispatch.
func (d *Dedup) Seen(originNode, originSeq uint64) bool {
	key := dedupKey(originNode, originSeq)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.rotateIfStaleLocked()

	if d.current.Contain(key) || d.prior.Contain(key) {
		return true
	}

	d.current.Add(key)
	return false
}

func (d *Dedup) rotateIfStaleLocked() {
	if time.Since(d.rotated) < dedupWindow {
		return
	}
	d.prior = d.current
	d.current = newCuckooFilter()
	d.rotated = time.Now()
}

func dedupKey(originNode, originSeq uint64) []byte {
	h := xxhash.New()
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], originNode)
	binary.BigEndian.PutUint64(buf[8:], originSeq)
	_, _ = h.Write(buf[:])
	sum := h.Sum64()

	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, sum)
	return out
}
