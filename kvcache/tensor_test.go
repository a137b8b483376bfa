package kvcache

import "testing"

func TestTensorF32RoundTrip(t *testing.T) {
	tensor := NewTensor(DTypeF32, 1, 2, 3, 4)
	idx := flatIndex(3, 4, 1, 2, 3)
	tensor.setF32(idx, 3.5)
	if got := tensor.getF32(idx); got != 3.5 {
		t.Errorf("getF32() = %v, want 3.5", got)
	}
}

func TestTensorF16RoundTripApprox(t *testing.T) {
	tensor := NewTensor(DTypeF16, 1, 1, 1, 1)
	tensor.setF16(0, 1.25)
	if got := tensor.getF16(0); got != 1.25 {
		t.Errorf("getF16() = %v, want 1.25 (exactly representable)", got)
	}
}

func TestTensorQuant8RoundTrip(t *testing.T) {
	tensor := NewTensor(DTypeQ8, 1, 1, 4, 1)
	for i := 0; i < 4; i++ {
		tensor.setQuant(i, 8, uint32(i*50))
	}
	for i := 0; i < 4; i++ {
		if got := tensor.getQuant(i, 8); got != uint32(i*50) {
			t.Errorf("getQuant(%d) = %d, want %d", i, got, i*50)
		}
	}
}

func TestTensorQuant4PackingDoesNotCorruptNeighbor(t *testing.T) {
	tensor := NewTensor(DTypeQ4, 1, 1, 4, 1)
	tensor.setQuant(0, 4, 0xF)
	tensor.setQuant(1, 4, 0x3)
	tensor.setQuant(2, 4, 0x0)
	tensor.setQuant(3, 4, 0xA)

	want := []uint32{0xF, 0x3, 0x0, 0xA}
	for i, w := range want {
		if got := tensor.getQuant(i, 4); got != w {
			t.Errorf("getQuant(%d) = %#x, want %#x", i, got, w)
		}
	}
}

func TestByteSizeForQ4PacksTwoPerByte(t *testing.T) {
	if got := byteSizeFor(DTypeQ4, 8); got != 4 {
		t.Errorf("byteSizeFor(Q4, 8) = %d, want 4", got)
	}
	if got := byteSizeFor(DTypeQ4, 7); got != 4 {
		t.Errorf("byteSizeFor(Q4, 7) = %d, want 4 (rounds up)", got)
	}
}

func TestByteSizeForQ8OneBytePerElement(t *testing.T) {
	if got := byteSizeFor(DTypeQ8, 8); got != 8 {
		t.Errorf("byteSizeFor(Q8, 8) = %d, want 8", got)
	}
}

func TestCloneGrownAxis2PreservesContents(t *testing.T) {
	tensor := NewTensor(DTypeF32, 1, 2, 3, 2)
	for h := 0; h < 2; h++ {
		for p := 0; p < 3; p++ {
			for d := 0; d < 2; d++ {
				tensor.setF32(flatIndex(3, 2, h, p, d), float32(h*10+p*2+d))
			}
		}
	}

	grown := tensor.cloneGrownAxis2(6)
	if grown.Dim(2) != 6 {
		t.Fatalf("grown.Dim(2) = %d, want 6", grown.Dim(2))
	}
	for h := 0; h < 2; h++ {
		for p := 0; p < 3; p++ {
			for d := 0; d < 2; d++ {
				want := float32(h*10 + p*2 + d)
				got := grown.getF32(flatIndex(6, 2, h, p, d))
				if got != want {
					t.Errorf("grown[%d,%d,%d] = %v, want %v", h, p, d, got, want)
				}
			}
		}
	}
}

func TestWriteTileF32PlacesAtOffset(t *testing.T) {
	dst := NewTensor(DTypeF32, 1, 1, 8, 2)
	tile := NewTensor(DTypeF32, 1, 1, 2, 2)
	tile.setF32(flatIndex(2, 2, 0, 0, 0), 9)
	tile.setF32(flatIndex(2, 2, 0, 1, 0), 10)

	dst.writeTileF32(tile, 3)

	if got := dst.getF32(flatIndex(8, 2, 0, 3, 0)); got != 9 {
		t.Errorf("dst[3] = %v, want 9", got)
	}
	if got := dst.getF32(flatIndex(8, 2, 0, 4, 0)); got != 10 {
		t.Errorf("dst[4] = %v, want 10", got)
	}
}

func TestSliceAxis2TruncatesDense(t *testing.T) {
	tensor := NewTensor(DTypeF32, 1, 1, 5, 1)
	for p := 0; p < 5; p++ {
		tensor.setF32(flatIndex(5, 1, 0, p, 0), float32(p))
	}

	sliced := tensor.sliceAxis2(3)
	if sliced.Dim(2) != 3 {
		t.Fatalf("sliced.Dim(2) = %d, want 3", sliced.Dim(2))
	}
	for p := 0; p < 3; p++ {
		if got := sliced.getF32(flatIndex(3, 1, 0, p, 0)); got != float32(p) {
			t.Errorf("sliced[%d] = %v, want %v", p, got, p)
		}
	}
}
