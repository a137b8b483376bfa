package kvcache

import (
	"testing"
	"time"
)

func newTestManager(maxBytesMB, ttlMinutes uint64) (*Manager, *time.Time) {
	m := NewManager(maxBytesMB, ttlMinutes)
	clock := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return clock }
	return m, &clock
}

func seqTokens(n int32) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestLookupColdMissThenWarmHit(t *testing.T) {
	m, _ := newTestManager(64, 30)
	params := Params{Temperature: 0.7, TopP: 0.9}
	prompt := seqTokens(10)

	toProcess, hit := m.Lookup("llama3", prompt, params)
	if hit != nil {
		t.Fatal("Lookup() on empty manager returned a hit, want miss")
	}
	if len(toProcess) != len(prompt) {
		t.Fatalf("toProcess length = %d, want %d", len(toProcess), len(prompt))
	}

	layers := NewDenseLayerSequence(1, 2, 4, 256)
	for _, l := range layers {
		_ = l.Append(floatTile(2, 10, 4, 0), floatTile(2, 10, 4, 0))
	}
	m.WriteBack("llama3", prompt, layers, params)

	longer := append(append([]int32(nil), prompt...), 99, 100)
	toProcess2, hit2 := m.Lookup("llama3", longer, params)
	if hit2 == nil {
		t.Fatal("Lookup() after write_back returned a miss, want hit")
	}
	if len(toProcess2) != 2 {
		t.Errorf("toProcess2 length = %d, want 2 (only the new suffix)", len(toProcess2))
	}
	if toProcess2[0] != 99 || toProcess2[1] != 100 {
		t.Errorf("toProcess2 = %v, want [99 100]", toProcess2)
	}
}

func TestLookupNoOverlapIsMiss(t *testing.T) {
	m, _ := newTestManager(64, 30)
	params := Params{Temperature: 0.7, TopP: 0.9}
	prompt := seqTokens(10)

	layers := NewDenseLayerSequence(1, 2, 4, 256)
	for _, l := range layers {
		_ = l.Append(floatTile(2, 10, 4, 0), floatTile(2, 10, 4, 0))
	}
	m.WriteBack("llama3", prompt, layers, params)

	disjoint := []int32{500, 501, 502}
	toProcess, hit := m.Lookup("llama3", disjoint, params)
	if hit != nil {
		t.Error("Lookup() with no common prefix returned a hit, want miss")
	}
	if len(toProcess) != len(disjoint) {
		t.Errorf("toProcess length = %d, want %d", len(toProcess), len(disjoint))
	}
}

func TestLookupParamBucketIsolation(t *testing.T) {
	m, _ := newTestManager(64, 30)
	prompt := seqTokens(10)
	paramsA := Params{Temperature: 0.7, TopP: 0.9}
	paramsB := Params{Temperature: 0.2, TopP: 0.9}

	layers := NewDenseLayerSequence(1, 2, 4, 256)
	for _, l := range layers {
		_ = l.Append(floatTile(2, 10, 4, 0), floatTile(2, 10, 4, 0))
	}
	m.WriteBack("llama3", prompt, layers, paramsA)

	_, hit := m.Lookup("llama3", prompt, paramsB)
	if hit != nil {
		t.Error("Lookup() under a different parameter bucket returned a hit, want miss")
	}
}

func TestLookupExactPrefixLeavesAtLeastOneTokenToProcess(t *testing.T) {
	m, _ := newTestManager(64, 30)
	params := Params{Temperature: 0.7, TopP: 0.9}
	prompt := seqTokens(10)

	layers := NewDenseLayerSequence(1, 2, 4, 256)
	for _, l := range layers {
		_ = l.Append(floatTile(2, 10, 4, 0), floatTile(2, 10, 4, 0))
	}
	m.WriteBack("llama3", prompt, layers, params)

	toProcess, hit := m.Lookup("llama3", prompt, params)
	if hit == nil {
		t.Fatal("Lookup() with identical tokens returned a miss, want hit")
	}
	if len(toProcess) != 1 {
		t.Errorf("toProcess length = %d, want 1 (never zero tokens to process)", len(toProcess))
	}
}

func TestWriteBackEvictsLeastRecentlyUsedUnderPressure(t *testing.T) {
	m, clock := newTestManager(0, 30) // zero budget forces eviction on every insert
	layers := func() []LayerCache {
		l := NewDenseLayerSequence(1, 2, 4, 256)
		for _, ll := range l {
			_ = ll.Append(floatTile(2, 50, 4, 0), floatTile(2, 50, 4, 0))
		}
		return l
	}

	m.WriteBack("m1", seqTokens(50), layers(), Params{Temperature: 0.1})
	*clock = clock.Add(time.Minute)
	m.WriteBack("m2", seqTokens(50), layers(), Params{Temperature: 0.2})
	*clock = clock.Add(time.Minute)
	m.WriteBack("m3", seqTokens(50), layers(), Params{Temperature: 0.3})

	_, hitM1 := m.Lookup("m1", seqTokens(50), Params{Temperature: 0.1})
	if hitM1 != nil {
		t.Error("oldest entry m1 survived eviction, want it evicted first")
	}
	if m.Stats().Evictions == 0 {
		t.Error("Stats().Evictions = 0, want at least one eviction under byte pressure")
	}
}

func TestSweepExpiredRemovesStaleEntries(t *testing.T) {
	m, clock := newTestManager(64, 5)
	params := Params{Temperature: 0.7}
	prompt := seqTokens(5)
	layers := NewDenseLayerSequence(1, 2, 4, 256)
	for _, l := range layers {
		_ = l.Append(floatTile(2, 5, 4, 0), floatTile(2, 5, 4, 0))
	}
	m.WriteBack("llama3", prompt, layers, params)

	*clock = clock.Add(10 * time.Minute)

	_, hit := m.Lookup("llama3", prompt, params)
	if hit != nil {
		t.Error("Lookup() after ttl expiry returned a hit, want miss")
	}
	if m.Status().EntryCount != 0 {
		t.Errorf("EntryCount = %d after expiry sweep, want 0", m.Status().EntryCount)
	}
}

func TestWriteBackPromotesToQuantizedPastThreshold(t *testing.T) {
	m, _ := newTestManager(64, 30)
	bits := 8
	params := Params{Temperature: 0.7, KVBits: &bits, KVGroupSize: 4, KVQuantizationStart: 4}

	layers := NewDenseLayerSequence(1, 1, 2, 256)
	_ = layers[0].Append(floatTile(1, 8, 2, 0), floatTile(1, 8, 2, 0))

	m.WriteBack("llama3", seqTokens(8), layers, params)

	// Extend the prompt by one token so the hit needs no trim: re-using the
	// same 8 tokens would trim the group-4 quantized layer to 7, which is
	// not group-aligned and is refused as a miss.
	_, hit := m.Lookup("llama3", seqTokens(9), params)
	if hit == nil {
		t.Fatal("Lookup() after promoting write_back returned a miss, want hit")
	}
	if _, ok := hit.Layers[0].(*QuantizedLayer); !ok {
		t.Errorf("Layers[0] type = %T, want *QuantizedLayer after promotion", hit.Layers[0])
	}
}

func TestWriteBackDoesNotPromoteBelowThreshold(t *testing.T) {
	m, _ := newTestManager(64, 30)
	bits := 8
	params := Params{Temperature: 0.7, KVBits: &bits, KVGroupSize: 4, KVQuantizationStart: 100}

	layers := NewDenseLayerSequence(1, 1, 2, 256)
	_ = layers[0].Append(floatTile(1, 8, 2, 0), floatTile(1, 8, 2, 0))

	m.WriteBack("llama3", seqTokens(8), layers, params)

	_, hit := m.Lookup("llama3", seqTokens(8), params)
	if hit == nil {
		t.Fatal("Lookup() returned a miss, want hit")
	}
	if _, ok := hit.Layers[0].(*DenseLayer); !ok {
		t.Errorf("Layers[0] type = %T, want *DenseLayer (below quantization_start)", hit.Layers[0])
	}
}

func TestClearRemovesAllEntriesButKeepsStats(t *testing.T) {
	m, _ := newTestManager(64, 30)
	params := Params{Temperature: 0.7}
	layers := NewDenseLayerSequence(1, 2, 4, 256)
	for _, l := range layers {
		_ = l.Append(floatTile(2, 5, 4, 0), floatTile(2, 5, 4, 0))
	}
	m.WriteBack("llama3", seqTokens(5), layers, params)
	m.Lookup("llama3", seqTokens(5), params)

	statsBefore := m.Stats()
	m.Clear()

	if m.Status().EntryCount != 0 {
		t.Errorf("EntryCount after Clear() = %d, want 0", m.Status().EntryCount)
	}
	if m.Stats().Hits != statsBefore.Hits {
		t.Error("Clear() must not reset running stats")
	}
}

func TestCommonPrefixLength(t *testing.T) {
	tests := []struct {
		name string
		a, b []int32
		want int
	}{
		{"identical", []int32{1, 2, 3}, []int32{1, 2, 3}, 3},
		{"divergent midway", []int32{1, 2, 3}, []int32{1, 2, 9}, 2},
		{"empty a", nil, []int32{1}, 0},
		{"b shorter", []int32{1, 2, 3}, []int32{1, 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := commonPrefixLength(tt.a, tt.b); got != tt.want {
				t.Errorf("commonPrefixLength() = %d, want %d", got, tt.want)
			}
		})
	}
}
