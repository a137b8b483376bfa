package kvcache

import (
	"fmt"
	"math"

	"github.com/x448/float16"
)

// DType identifies the element representation backing a Tensor. Dense
// layers use F32 (raw keys/values); group-quantized layers pack elements
// into Q8/Q4 integers and keep per-group scale/bias in F16, mirroring the
// runtime's own dtype vocabulary.
type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeQ8
	DTypeQ4
)

// bits returns the width in bits of a single element of this dtype.
func (d DType) bits() int {
	switch d {
	case DTypeF32:
		return 32
	case DTypeF16:
		return 16
	case DTypeQ8:
		return 8
	case DTypeQ4:
		return 4
	default:
		panic(fmt.Sprintf("kvcache: unknown dtype %d", d))
	}
}

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeQ8:
		return "q8"
	case DTypeQ4:
		return "q4"
	default:
		return "unknown"
	}
}

// Tensor is a bookkeeping-only stand-in for the accelerator-resident
// tensors a real compute backend would own. It tracks shape, dtype and a
// byte buffer large enough to hold every element, and is entirely
// independent of any GPU/accelerator runtime: the model loader and decode
// engine that would populate and consume these tensors are external
// collaborators (see spec §1).
//
// Shapes follow [batch=1, kv_heads, tokens, head_dim] for dense K/V and
// the packed-in-place variant of that shape for quantized K/V; scale/bias
// tensors follow [batch=1, kv_heads, group_count, head_dim].
type Tensor struct {
	shape []int
	dtype DType
	data  []byte
}

// numElements returns the product of shape, the count of scalar elements.
func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// byteSizeFor returns the number of bytes needed to hold n elements of dtype,
// rounding up to a whole byte (relevant for Q4, which packs two elements per
// byte).
func byteSizeFor(dtype DType, n int) int {
	bits := dtype.bits()
	return (n*bits + 7) / 8
}

// NewTensor allocates a zeroed tensor of the given dtype and shape.
func NewTensor(dtype DType, shape ...int) *Tensor {
	n := numElements(shape)
	return &Tensor{
		shape: append([]int(nil), shape...),
		dtype: dtype,
		data:  make([]byte, byteSizeFor(dtype, n)),
	}
}

func (t *Tensor) Dim(n int) int    { return t.shape[n] }
func (t *Tensor) DType() DType     { return t.dtype }
func (t *Tensor) Bytes() []byte    { return t.data }
func (t *Tensor) NumElements() int { return numElements(t.shape) }

// Shape returns a defensive copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

// ByteSize returns the resident byte size of this tensor: element count
// times element width, rounded up to a whole byte.
func (t *Tensor) ByteSize() uint64 {
	return uint64(len(t.data))
}

// withAxis2 returns a copy of the tensor's shape with axis 2 (the token /
// capacity axis for K/V, the group axis for scale/bias) replaced by n.
func (t *Tensor) withAxis2(n int) []int {
	shape := t.Shape()
	shape[2] = n
	return shape
}

// flatIndex computes the element offset for [0, h, pos, d] within a tensor
// shaped [1, kvHeads, axis2Len, headDim].
func flatIndex(axis2Len, headDim, h, pos, d int) int {
	return (h*axis2Len+pos)*headDim + d
}

// getF32 reads a float32 element from an F32 tensor at flat index idx.
func (t *Tensor) getF32(idx int) float32 {
	b := t.data[idx*4 : idx*4+4]
	bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return math.Float32frombits(bits)
}

func (t *Tensor) setF32(idx int, v float32) {
	bits := math.Float32bits(v)
	b := t.data[idx*4 : idx*4+4]
	b[0] = byte(bits)
	b[1] = byte(bits >> 8)
	b[2] = byte(bits >> 16)
	b[3] = byte(bits >> 24)
}

func (t *Tensor) getF16(idx int) float32 {
	b := t.data[idx*2 : idx*2+2]
	return float16.Frombits(uint16(b[0]) | uint16(b[1])<<8).Float32()
}

func (t *Tensor) setF16(idx int, v float32) {
	bits := float16.Fromfloat32(v).Bits()
	b := t.data[idx*2 : idx*2+2]
	b[0] = byte(bits)
	b[1] = byte(bits >> 8)
}

// getQuant reads a packed unsigned integer element for the given bit width.
func (t *Tensor) getQuant(idx, bits int) uint32 {
	switch bits {
	case 8:
		return uint32(t.data[idx])
	case 4:
		byteIdx := idx / 2
		if idx%2 == 0 {
			return uint32(t.data[byteIdx] & 0x0f)
		}
		return uint32(t.data[byteIdx]>>4) & 0x0f
	default:
		panic(fmt.Sprintf("kvcache: unsupported quant bit width %d", bits))
	}
}

func (t *Tensor) setQuant(idx int, bits int, v uint32) {
	switch bits {
	case 8:
		t.data[idx] = byte(v)
	case 4:
		byteIdx := idx / 2
		if idx%2 == 0 {
			t.data[byteIdx] = (t.data[byteIdx] & 0xf0) | byte(v&0x0f)
		} else {
			t.data[byteIdx] = (t.data[byteIdx] & 0x0f) | byte((v&0x0f)<<4)
		}
	default:
		panic(fmt.Sprintf("kvcache: unsupported quant bit width %d", bits))
	}
}

// cloneGrownAxis2 returns a new tensor with axis 2 grown to newLen,
// preserving the existing contents of each [h, :, d]-style block in its
// original position (dense capacity growth, §4.B). Only defined for F32
// tensors, which is the only dtype that grows in place.
func (t *Tensor) cloneGrownAxis2(newLen int) *Tensor {
	if t.dtype != DTypeF32 {
		panic("kvcache: cloneGrownAxis2 only supported for dense F32 tensors")
	}
	kvHeads, oldLen, headDim := t.shape[1], t.shape[2], t.shape[3]
	out := NewTensor(DTypeF32, t.shape[0], kvHeads, newLen, headDim)
	rowBytes := oldLen * headDim * 4
	newRowBytes := newLen * headDim * 4
	for h := 0; h < kvHeads; h++ {
		copy(out.data[h*newRowBytes:h*newRowBytes+rowBytes], t.data[h*rowBytes:(h+1)*rowBytes])
	}
	return out
}

// writeTileF32 copies a [1, kvHeads, sNew, headDim] tile into this tensor's
// axis-2 range [offset, offset+sNew).
func (t *Tensor) writeTileF32(tile *Tensor, offset int) {
	kvHeads, capacity, headDim := t.shape[1], t.shape[2], t.shape[3]
	sNew := tile.shape[2]
	for h := 0; h < kvHeads; h++ {
		for p := 0; p < sNew; p++ {
			for d := 0; d < headDim; d++ {
				v := tile.getF32(flatIndex(sNew, headDim, h, p, d))
				t.setF32(flatIndex(capacity, headDim, h, offset+p, d), v)
			}
		}
	}
}

// sliceAxis2 returns a new tensor holding only axis-2 positions [0, n) of t,
// used when constructing a freshly-sized quantized store (§4.B trim).
func (t *Tensor) sliceAxis2(n int) *Tensor {
	kvHeads, headDim := t.shape[1], t.shape[3]
	out := NewTensor(t.dtype, t.shape[0], kvHeads, n, headDim)
	for h := 0; h < kvHeads; h++ {
		switch t.dtype {
		case DTypeF32, DTypeF16:
			elemBytes := t.dtype.bits() / 8
			oldRow := t.shape[2] * headDim * elemBytes
			newRow := n * headDim * elemBytes
			copy(out.data[h*newRow:(h+1)*newRow], t.data[h*oldRow:h*oldRow+newRow])
		default:
			for p := 0; p < n; p++ {
				for d := 0; d < headDim; d++ {
					v := t.getQuant(flatIndex(t.shape[2], headDim, h, p, d), t.dtype.bits())
					out.setQuant(flatIndex(n, headDim, h, p, d), t.dtype.bits(), v)
				}
			}
		}
	}
	return out
}
