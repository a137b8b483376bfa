package kvcache

// LayerCache is the uniform contract every per-layer backing store
// implements, over two structurally different shapes: Dense and
// Quantized (§4.B). Trim/append/size-estimate dispatch on the concrete
// type rather than through a virtual hierarchy — this is a tagged
// variant, not an inheritance chain.
type LayerCache interface {
	// Append extends the live region by the positions in keysNew/valuesNew,
	// which are shaped [1, kv_heads, s_new, head_dim] and always dense F32,
	// regardless of this layer's own backing representation.
	Append(keysNew, valuesNew *Tensor) error

	// Trim removes the last n positions. It returns the number of positions
	// actually removed (n, or the current offset if n exceeds it) and
	// ErrTrimRefused if doing so would leave a quantized store at a
	// non-group-aligned boundary.
	Trim(n int) (int, error)

	// SizeBytes returns the current resident byte estimate for this layer.
	SizeBytes() uint64

	// CurrentTokens returns the layer's offset: the number of live positions.
	CurrentTokens() int

	// IsTrimmable is always true for both backing shapes; kept as part of
	// the contract because a future backing shape might not support it.
	IsTrimmable() bool
}

// roundUp rounds length up to the next multiple of pad.
func roundUp(length, pad int) int {
	return ((length + pad - 1) / pad) * pad
}

// NewDenseLayerSequence allocates a fresh, empty dense layer cache per
// transformer layer. This is the factory a Bridge caller passes to Begin
// for the miss path; the bridge and manager themselves never need to know
// a model's architecture.
func NewDenseLayerSequence(numLayers, kvHeads, headDim, step int) []LayerCache {
	layers := make([]LayerCache, numLayers)
	for i := range layers {
		layers[i] = NewDenseLayer(kvHeads, headDim, step)
	}
	return layers
}

// --- Dense ---

// DenseLayer holds K and V as 4-D tensors shaped [1, kv_heads, capacity,
// head_dim]. capacity grows in blocks of step when an append would exceed
// it; offset tracks the live length and trimming never reallocates.
type DenseLayer struct {
	K, V     *Tensor
	Offset   int
	Step     int
	KVHeads  int
	HeadDim  int
	Capacity int
}

// NewDenseLayer creates an empty dense layer cache. Capacity is allocated
// lazily on first Append.
func NewDenseLayer(kvHeads, headDim, step int) *DenseLayer {
	if step <= 0 {
		step = 256
	}
	return &DenseLayer{
		K:       NewTensor(DTypeF32, 1, kvHeads, 0, headDim),
		V:       NewTensor(DTypeF32, 1, kvHeads, 0, headDim),
		Step:    step,
		KVHeads: kvHeads,
		HeadDim: headDim,
	}
}

func (d *DenseLayer) Append(keysNew, valuesNew *Tensor) error {
	sNew := keysNew.Dim(2)
	if d.Offset+sNew > d.Capacity {
		newCapacity := d.Capacity + roundUp(sNew, d.Step)
		d.K = d.K.cloneGrownAxis2(newCapacity)
		d.V = d.V.cloneGrownAxis2(newCapacity)
		d.Capacity = newCapacity
	}

	d.K.writeTileF32(keysNew, d.Offset)
	d.V.writeTileF32(valuesNew, d.Offset)
	d.Offset += sNew
	return nil
}

func (d *DenseLayer) Trim(n int) (int, error) {
	if n > d.Offset {
		n = d.Offset
	}
	d.Offset -= n
	return n, nil
}

func (d *DenseLayer) SizeBytes() uint64 {
	return d.K.ByteSize() + d.V.ByteSize()
}

func (d *DenseLayer) CurrentTokens() int { return d.Offset }
func (d *DenseLayer) IsTrimmable() bool  { return true }

// --- Quantized ---

// QuantizedLayer holds group-packed key/value representations with
// per-group scale/bias. Kq/Vq carry one packed element per live token
// position (third-axis length == offset, no growth slack); Ks/Kb/Vs/Vb
// carry one scale/bias pair per group of GroupSize consecutive token
// positions for each (kv_head, head_dim) channel, i.e. one pair per
// (kv_head, group, head_dim) triple.
type QuantizedLayer struct {
	Kq, Ks, Kb *Tensor
	Vq, Vs, Vb *Tensor
	Offset     int
	GroupSize  int
	Bits       int
	KVHeads    int
	HeadDim    int
}

// NewQuantizedLayer creates an empty quantized layer cache.
func NewQuantizedLayer(kvHeads, headDim, groupSize, bits int) *QuantizedLayer {
	return &QuantizedLayer{
		Kq:        NewTensor(bitsDType(bits), 1, kvHeads, 0, headDim),
		Ks:        NewTensor(DTypeF16, 1, kvHeads, 0, headDim),
		Kb:        NewTensor(DTypeF16, 1, kvHeads, 0, headDim),
		Vq:        NewTensor(bitsDType(bits), 1, kvHeads, 0, headDim),
		Vs:        NewTensor(DTypeF16, 1, kvHeads, 0, headDim),
		Vb:        NewTensor(DTypeF16, 1, kvHeads, 0, headDim),
		GroupSize: groupSize,
		Bits:      bits,
		KVHeads:   kvHeads,
		HeadDim:   headDim,
	}
}

func bitsDType(bits int) DType {
	if bits == 4 {
		return DTypeQ4
	}
	return DTypeQ8
}

// NewQuantizedLayerFromDense builds a Quantized store from the live dense
// slice of a DenseLayer, per the promotion algorithm in §4.E.
func NewQuantizedLayerFromDense(d *DenseLayer, groupSize, bits int) *QuantizedLayer {
	q := NewQuantizedLayer(d.KVHeads, d.HeadDim, groupSize, bits)
	if d.Offset == 0 {
		return q
	}
	// d.K/d.V are capacity-sized; quantizeGroups indexes axis 2 by the
	// token count, so hand it only the live [0, offset) slice.
	q.Kq, q.Ks, q.Kb = quantizeGroups(d.K.sliceAxis2(d.Offset), d.Offset, groupSize, bits)
	q.Vq, q.Vs, q.Vb = quantizeGroups(d.V.sliceAxis2(d.Offset), d.Offset, groupSize, bits)
	q.Offset = d.Offset
	return q
}

// Append quantizes the newly computed tile, dequantizes the existing store,
// concatenates, and re-quantizes from scratch. This is the "full recompute"
// delegation path §4.B explicitly permits in place of incremental
// group-boundary surgery.
func (q *QuantizedLayer) Append(keysNew, valuesNew *Tensor) error {
	sNew := keysNew.Dim(2)
	newOffset := q.Offset + sNew

	fullK := dequantizeGroups(q.Kq, q.Ks, q.Kb, q.Offset, q.GroupSize)
	fullV := dequantizeGroups(q.Vq, q.Vs, q.Vb, q.Offset, q.GroupSize)
	fullK = concatAxis2F32(fullK, keysNew, q.Offset, sNew)
	fullV = concatAxis2F32(fullV, valuesNew, q.Offset, sNew)

	q.Kq, q.Ks, q.Kb = quantizeGroups(fullK, newOffset, q.GroupSize, q.Bits)
	q.Vq, q.Vs, q.Vb = quantizeGroups(fullV, newOffset, q.GroupSize, q.Bits)
	q.Offset = newOffset
	return nil
}

// Trim removes the last n positions. It refuses (ErrTrimRefused) unless the
// resulting offset is a multiple of GroupSize, since a partial boundary
// group cannot be sliced without either losing precision or retaining a raw
// buffer this representation does not keep (§4.B, §9).
func (q *QuantizedLayer) Trim(n int) (int, error) {
	if n > q.Offset {
		n = q.Offset
	}
	newOffset := q.Offset - n
	if newOffset%q.GroupSize != 0 {
		return 0, ErrTrimRefused
	}

	newGroups := newOffset / q.GroupSize
	q.Kq = q.Kq.sliceAxis2(newOffset)
	q.Vq = q.Vq.sliceAxis2(newOffset)
	q.Ks = q.Ks.sliceAxis2(newGroups)
	q.Kb = q.Kb.sliceAxis2(newGroups)
	q.Vs = q.Vs.sliceAxis2(newGroups)
	q.Vb = q.Vb.sliceAxis2(newGroups)
	q.Offset = newOffset
	return n, nil
}

func (q *QuantizedLayer) SizeBytes() uint64 {
	return q.Kq.ByteSize() + q.Ks.ByteSize() + q.Kb.ByteSize() +
		q.Vq.ByteSize() + q.Vs.ByteSize() + q.Vb.ByteSize()
}

func (q *QuantizedLayer) CurrentTokens() int { return q.Offset }
func (q *QuantizedLayer) IsTrimmable() bool  { return true }

// concatAxis2F32 returns a new dense F32 tensor holding base's live
// [0, baseLen) positions followed by tile's [0, tileLen) positions.
func concatAxis2F32(base, tile *Tensor, baseLen, tileLen int) *Tensor {
	kvHeads, headDim := base.Dim(1), base.Dim(3)
	out := NewTensor(DTypeF32, 1, kvHeads, baseLen+tileLen, headDim)
	for h := 0; h < kvHeads; h++ {
		for p := 0; p < baseLen; p++ {
			for d := 0; d < headDim; d++ {
				v := base.getF32(flatIndex(baseLen, headDim, h, p, d))
				out.setF32(flatIndex(baseLen+tileLen, headDim, h, p, d), v)
			}
		}
		for p := 0; p < tileLen; p++ {
			for d := 0; d < headDim; d++ {
				v := tile.getF32(flatIndex(tileLen, headDim, h, p, d))
				out.setF32(flatIndex(baseLen+tileLen, headDim, h, baseLen+p, d), v)
			}
		}
	}
	return out
}
