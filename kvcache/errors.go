// Package kvcache implements the prompt-prefix KV-cache manager: exact-match
// prefix detection across requests, in-place tensor trimming over dense and
// group-quantized backing stores, and LRU+TTL+byte-bounded admission.
package kvcache

import "errors"

var (
	// ErrTrimRefused is returned by LayerCache.Trim when the requested trim
	// would leave a quantized store at a non-group-aligned boundary. The
	// manager treats this as a cache miss rather than corrupting the cache.
	ErrTrimRefused = errors.New("kvcache: trim would cross a quantized group boundary")

	// ErrLayerMismatch signals an invariant violation: a layer handed to
	// write_back has an offset inconsistent with the token list length.
	// WriteBack logs it and does not admit the entry; layer counts are not
	// compared against a prior entry.
	ErrLayerMismatch = errors.New("kvcache: layer count or offset mismatch")

	// ErrHandleInUse identifies a handle that is already finalized or
	// unknown to the manager. Bridge.End has no error result and does not
	// check handles, so nothing in this package returns it.
	ErrHandleInUse = errors.New("kvcache: handle already finalized or unknown")
)
