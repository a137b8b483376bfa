package kvcache

import "github.com/google/uuid"

// CacheManager is the subset of Manager's surface the Generation Bridge
// depends on. NullManager satisfies it too, so enable_cache=false can be
// realized by constructor-injecting a no-op manager rather than branching
// on a boolean throughout the bridge (§6, §9 "global manager singleton").
type CacheManager interface {
	Lookup(model string, tokens []int32, params Params) ([]int32, *Entry)
	WriteBack(model string, fullTokens []int32, layers []LayerCache, params Params)
	Clear()
	Stats() Stats
	Status() Status
}

// NullManager is the disabled-cache stand-in: every lookup is an
// unconditional miss and write_back is a no-op (§6 enable_cache=false).
type NullManager struct{}

func (NullManager) Lookup(_ string, tokens []int32, _ Params) ([]int32, *Entry) {
	return tokens, nil
}
func (NullManager) WriteBack(string, []int32, []LayerCache, Params) {}
func (NullManager) Clear()                                          {}
func (NullManager) Stats() Stats                                    { return Stats{} }
func (NullManager) Status() Status                                  { return Status{} }

// Handle is an opaque, exclusively-owned reference to a layer sequence
// that a request drives forward during decoding and returns to the
// manager via End. It is either a detached existing entry's layers (on
// hit) or a freshly allocated sequence (on miss) — the caller owns it
// completely between Begin and End (§4.F, §5 "exclusively owned").
type Handle struct {
	ID     uuid.UUID
	Key    string
	Layers []LayerCache
}

// Bridge is the interface the decode loop drives: the request handler
// never sees tensors directly, only {suffix tokens, handle} in and
// {full tokens, handle} out (§4.F).
type Bridge struct {
	Manager CacheManager
}

// NewBridge constructor-injects a CacheManager, per §9's preference for
// dependency injection over a process-global singleton.
func NewBridge(m CacheManager) *Bridge {
	return &Bridge{Manager: m}
}

// Begin converts {model, prompt tokens, params} into {tokens to actually
// evaluate, opaque handle}. newLayers is invoked only on a miss, to
// allocate a fresh dense layer sequence sized for the caller's model
// architecture — the bridge itself knows nothing about kv_heads/head_dim.
func (b *Bridge) Begin(model string, promptTokens []int32, params Params, newLayers func() []LayerCache) ([]int32, *Handle) {
	toProcess, entry := b.Manager.Lookup(model, promptTokens, params)

	h := &Handle{ID: uuid.New(), Key: ComposeKey(model, params)}
	if entry != nil {
		h.Layers = entry.Layers
	} else {
		h.Layers = newLayers()
	}
	return toProcess, h
}

// End hands the handle back with the fully extended token list for
// write-back. A request cancelled between Begin and End must simply never
// call End — its detached handle is dropped with the memory it owns
// (§5 "Cancellation").
func (b *Bridge) End(model string, fullTokens []int32, params Params, handle *Handle) {
	b.Manager.WriteBack(model, fullTokens, handle.Layers, params)
}
