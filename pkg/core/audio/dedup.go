package audio

import "github.com/cespare/xxhash/v2"

// DedupCache remembers the hashes of the most recently scored transcripts so
// overlapping audio chunks that re-transcribe the same utterance are scored
// once.
type DedupCache struct {
	ring []uint64
	next int
	full bool
	set  map[uint64]int
}

// NewDedupCache returns a cache of the given size. Default: 20
func NewDedupCache(size int) *DedupCache {
	if size <= 0 {
		size = 20
	}
	return &DedupCache{
		ring: make([]uint64, size),
		set:  make(map[uint64]int, size),
	}
}

// Seen reports whether the normalized text is already cached and records it
// if it is not.
func (d *DedupCache) Seen(text string) bool {
	norm := Normalize(text)
	if norm == "" {
		return true
	}
	h := xxhash.Sum64String(norm)
	if _, ok := d.set[h]; ok {
		return true
	}
	if d.full {
		old := d.ring[d.next]
		if d.set[old]--; d.set[old] <= 0 {
			delete(d.set, old)
		}
	}
	d.ring[d.next] = h
	d.set[h]++
	d.next++
	if d.next == len(d.ring) {
		d.next = 0
		d.full = true
	}
	return false
}
