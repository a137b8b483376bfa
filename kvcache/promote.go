package kvcache

import "log/slog"

// quantizeGroups implements the group-quantization algorithm from §4.E:
// for each group of groupSize consecutive token positions, separately for
// every (kv_head, head_dim) channel, compute min/max, derive
// scale = (max-min)/(2^bits-1) and bias = min, and pack each scalar as
// round((x-bias)/scale) into a bits-wide integer. Scales and biases are
// stored in half precision, matching the runtime's own quantized-tensor
// loader (x448/float16-backed).
func quantizeGroups(src *Tensor, tokens, groupSize, bits int) (packed, scale, bias *Tensor) {
	kvHeads, headDim := src.Dim(1), src.Dim(3)
	groupCount := (tokens + groupSize - 1) / groupSize
	maxLevel := float32((uint32(1) << uint(bits)) - 1)

	packed = NewTensor(bitsDType(bits), 1, kvHeads, tokens, headDim)
	scale = NewTensor(DTypeF16, 1, kvHeads, groupCount, headDim)
	bias = NewTensor(DTypeF16, 1, kvHeads, groupCount, headDim)

	for h := 0; h < kvHeads; h++ {
		for d := 0; d < headDim; d++ {
			for g := 0; g < groupCount; g++ {
				start := g * groupSize
				end := min(start+groupSize, tokens)

				lo := src.getF32(flatIndex(tokens, headDim, h, start, d))
				hi := lo
				for p := start + 1; p < end; p++ {
					v := src.getF32(flatIndex(tokens, headDim, h, p, d))
					if v < lo {
						lo = v
					}
					if v > hi {
						hi = v
					}
				}

				s := (hi - lo) / maxLevel
				if s == 0 {
					s = 1
				}

				scale.setF16(flatIndex(groupCount, headDim, h, g, d), s)
				bias.setF16(flatIndex(groupCount, headDim, h, g, d), lo)

				for p := start; p < end; p++ {
					v := src.getF32(flatIndex(tokens, headDim, h, p, d))
					level := (v - lo) / s
					q := clampLevel(level, maxLevel)
					packed.setQuant(flatIndex(tokens, headDim, h, p, d), bits, q)
				}
			}
		}
	}
	return packed, scale, bias
}

func clampLevel(level, maxLevel float32) uint32 {
	r := level + 0.5 // round-to-nearest
	if r < 0 {
		r = 0
	}
	if r > maxLevel {
		r = maxLevel
	}
	return uint32(r)
}

// dequantizeGroups reconstructs a dense F32 tensor from a quantized store,
// used by QuantizedLayer.Append to implement its full-recompute path.
func dequantizeGroups(packed, scale, bias *Tensor, tokens, groupSize int) *Tensor {
	kvHeads, headDim := packed.Dim(1), packed.Dim(3)
	groupCount := scale.Dim(2)
	bits := packed.DType().bits()

	out := NewTensor(DTypeF32, 1, kvHeads, tokens, headDim)
	for h := 0; h < kvHeads; h++ {
		for d := 0; d < headDim; d++ {
			for g := 0; g < groupCount; g++ {
				start := g * groupSize
				end := min(start+groupSize, tokens)

				s := scale.getF16(flatIndex(groupCount, headDim, h, g, d))
				b := bias.getF16(flatIndex(groupCount, headDim, h, g, d))

				for p := start; p < end; p++ {
					q := packed.getQuant(flatIndex(tokens, headDim, h, p, d), bits)
					v := float32(q)*s + b
					out.setF32(flatIndex(tokens, headDim, h, p, d), v)
				}
			}
		}
	}
	return out
}

// promoteLayer converts layer's dense backing store into a group-quantized
// one if it is dense and its offset exceeds quantizationStart (§4.E). It
// returns the (possibly unchanged) layer and whether a promotion occurred.
// A promotion never fails outright: any panic recovered from the quantize
// path is treated as a Recoverable-degrade (§7) — the layer is kept dense
// and the failure is logged at warn, never propagated to the caller.
func promoteLayer(layer LayerCache, groupSize, bits, quantizationStart int) (result LayerCache, promoted bool) {
	dense, ok := layer.(*DenseLayer)
	if !ok || dense.CurrentTokens() <= quantizationStart {
		return layer, false
	}

	result = layer
	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Warn("kvcache: quantization promotion failed, keeping dense layer",
					"reason", r)
				result = layer
				promoted = false
			}
		}()
		result = NewQuantizedLayerFromDense(dense, groupSize, bits)
		promoted = true
	}()
	return result, promoted
}
