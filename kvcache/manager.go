package kvcache

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Stats is the manager's running counters (§4.D stats()).
type Stats struct {
	Hits           uint64
	Misses         uint64
	Evictions      uint64
	TotalReused    uint64
	TotalProcessed uint64
}

// HitRate returns hits / (hits+misses), or 0 if there have been no lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// AvgReused returns total_reused / max(1, hits).
func (s Stats) AvgReused() float64 {
	hits := s.Hits
	if hits == 0 {
		hits = 1
	}
	return float64(s.TotalReused) / float64(hits)
}

// Status is the manager's point-in-time snapshot (§4.D status()).
type Status struct {
	EntryCount int
	Bytes      uint64
	BytesMB    float64
	MaxBytesMB float64
	TTLMinutes float64
}

// Manager owns the bucket map and is the single logical owner (§5) that
// serializes lookup, write-back, clear and the expiry sweep. Tensor
// append/trim and the decode loop itself run outside the manager's lock,
// on handles the caller exclusively owns between begin and end.
type Manager struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	totalBytes uint64
	maxBytes   uint64
	ttl        time.Duration
	stats      Stats
	now        func() time.Time
}

// NewManager constructs a Manager with the given byte ceiling and TTL.
// enable_cache's "off" behavior (manager is null, every lookup is an
// unconditional miss) is realized by the caller never constructing, or by
// routing through NullManager — see bridge.go.
func NewManager(maxBytesMB, ttlMinutes uint64) *Manager {
	return &Manager{
		entries:  make(map[string]*Entry),
		maxBytes: maxBytesMB * 1024 * 1024,
		ttl:      time.Duration(ttlMinutes) * time.Minute,
		now:      time.Now,
	}
}

// Lookup implements §4.D lookup(): it returns the suffix of tokens the
// caller still needs to evaluate, and — on a hit — the entry to resume
// from, already detached from the bucket map (the state-machine transition
// from Present(idle) to Present(in-flight), §4.F). A nil entry means the
// caller must start from a fresh cache.
func (m *Manager) Lookup(model string, tokens []int32, params Params) (toProcess []int32, hit *Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key := ComposeKey(model, params)
	m.sweepExpiredLocked(now)

	entry, ok := m.entries[key]
	if !ok {
		m.stats.Misses++
		return tokens, nil
	}

	p := commonPrefixLength(entry.Tokens, tokens)
	if len(tokens) > 0 && p > len(tokens)-1 {
		p = len(tokens) - 1
	}

	if p <= 0 {
		m.removeLocked(key)
		m.stats.Misses++
		return tokens, nil
	}

	d := len(entry.Tokens) - p
	if d > 0 {
		if !m.trimAllLayersLocked(entry, d) {
			m.removeLocked(key)
			m.stats.Misses++
			return tokens, nil
		}
	}

	entry.Tokens = entry.Tokens[:p]
	entry.Touch(now)
	m.totalBytes -= entry.Bytes
	entry.RecomputeBytes()
	m.totalBytes += entry.Bytes

	m.stats.Hits++
	m.stats.TotalReused += uint64(p)
	m.stats.TotalProcessed += uint64(len(tokens) - p)

	// Detach: the bucket is now Absent from the map's point of view until
	// write_back re-attaches (possibly a different entry object).
	m.removeLocked(key)

	return tokens[p:], entry
}

// trimAllLayersLocked trims every layer of entry by d positions. If any
// layer refuses, it stops and returns false; layers before the refusing
// one have already been trimmed, and the caller drops the entry as a miss
// (§4.D step 6).
func (m *Manager) trimAllLayersLocked(entry *Entry, d int) bool {
	for i, layer := range entry.Layers {
		if _, err := layer.Trim(d); err != nil {
			slog.Debug("kvcache: trim refused, treating as miss",
				"key", entry.Key, "layer", i, "err", err)
			return false
		}
	}
	return true
}

// WriteBack implements §4.D write_back(): it applies quantization
// promotion, builds a fresh entry from the caller's fully-extended token
// list and layers, evicts by LRU until the new entry fits within
// max_bytes, and replaces any prior entry under the same key.
func (m *Manager) WriteBack(model string, fullTokens []int32, layers []LayerCache, params Params) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key := ComposeKey(model, params)

	for i, layer := range layers {
		if layer.CurrentTokens() != len(fullTokens) {
			slog.Error("kvcache: write_back dropped on invariant violation",
				"key", key, "layer", i, "reason", ErrLayerMismatch)
			return
		}
	}

	if params.KVBits != nil {
		promoted := 0
		for i, layer := range layers {
			newLayer, ok := promoteLayer(layer, params.KVGroupSize, *params.KVBits, params.KVQuantizationStart)
			layers[i] = newLayer
			if ok {
				promoted++
			}
		}
		if promoted > 0 {
			slog.Debug("kvcache: promoted layers to quantized KV", "key", key, "count", promoted)
		}
	}

	fresh := NewEntry(key, fullTokens, layers, now)

	delta := int64(fresh.Bytes)
	if prior, ok := m.entries[key]; ok {
		delta -= int64(prior.Bytes)
	}

	m.evictForSpaceLocked(delta)

	if prior, ok := m.entries[key]; ok {
		m.totalBytes -= prior.Bytes
	}
	m.entries[key] = fresh
	m.totalBytes += fresh.Bytes
}

// evictForSpaceLocked repeatedly removes the least-recently-accessed entry
// until admitting `delta` more bytes would not exceed max_bytes, or no
// entries remain (§4.D step 4, §8 property 6 eviction fairness).
func (m *Manager) evictForSpaceLocked(delta int64) {
	for int64(m.totalBytes)+delta > int64(m.maxBytes) && len(m.entries) > 0 {
		var oldestKey string
		var oldestAt time.Time
		first := true
		for k, e := range m.entries {
			if first || e.LastAccessedAt.Before(oldestAt) {
				oldestKey, oldestAt = k, e.LastAccessedAt
				first = false
			}
		}
		m.removeLocked(oldestKey)
		m.stats.Evictions++
	}
}

// removeLocked drops the entry under key, if any, and adjusts totalBytes.
func (m *Manager) removeLocked(key string) {
	if e, ok := m.entries[key]; ok {
		m.totalBytes -= e.Bytes
		delete(m.entries, key)
	}
}

// sweepExpiredLocked drops every entry whose last_accessed_at is older
// than ttl (§3 invariant 7, §4.D step 2).
func (m *Manager) sweepExpiredLocked(now time.Time) {
	for k, e := range m.entries {
		if !e.ValidAt(now, m.ttl) {
			m.removeLocked(k)
		}
	}
}

// Clear drops all entries and resets total bytes, keeping stats (§4.D
// clear()).
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*Entry)
	m.totalBytes = 0
}

// Stats returns a snapshot of the running counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Status returns a point-in-time snapshot of occupancy and configuration.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		EntryCount: len(m.entries),
		Bytes:      m.totalBytes,
		BytesMB:    float64(m.totalBytes) / (1024 * 1024),
		MaxBytesMB: float64(m.maxBytes) / (1024 * 1024),
		TTLMinutes: m.ttl.Minutes(),
	}
}

// commonPrefixLength returns the longest p such that a[i] == b[i] for all
// i < p, in O(min(len(a), len(b))).
func commonPrefixLength(a, b []int32) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// oldestEntries returns the keys of entries sorted by ascending
// last_accessed_at, the order in which evictForSpaceLocked picks entries
// to evict (§8 property 6).
func (m *Manager) oldestEntries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return m.entries[keys[i]].LastAccessedAt.Before(m.entries[keys[j]].LastAccessedAt)
	})
	return keys
}
