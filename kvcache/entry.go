package kvcache

import "time"

// wordSize approximates the resident footprint of a single token id within
// Entry.Tokens for the purposes of the byte estimate in §3.
const wordSize = 8

// Entry is one (tokens, per-layer backing stores, timestamps, byte
// estimate) tuple — the unit the Manager admits, evicts and serves on
// lookup (§3 "Cache entry").
type Entry struct {
	Key            string
	Tokens         []int32
	Layers         []LayerCache
	CreatedAt      time.Time
	LastAccessedAt time.Time
	Bytes          uint64
}

// NewEntry builds an entry from a fully-extended token list and layer
// sequence, stamping both timestamps to now.
func NewEntry(key string, tokens []int32, layers []LayerCache, now time.Time) *Entry {
	e := &Entry{
		Key:            key,
		Tokens:         tokens,
		Layers:         layers,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	e.RecomputeBytes()
	return e
}

// ValidAt reports whether this entry is still reachable through lookup at
// time now under the given ttl (§3 invariant 7).
func (e *Entry) ValidAt(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.LastAccessedAt) < ttl
}

// Touch advances last_accessed_at to now (§4.C).
func (e *Entry) Touch(now time.Time) {
	e.LastAccessedAt = now
}

// RecomputeBytes recomputes and stores the entry's byte estimate: the sum
// over layers of their SizeBytes, plus the token list's own footprint
// (§3 invariant 4).
func (e *Entry) RecomputeBytes() uint64 {
	var total uint64
	for _, l := range e.Layers {
		total += l.SizeBytes()
	}
	total += uint64(len(e.Tokens)) * wordSize
	e.Bytes = total
	return total
}
