package kvcache

import (
	"testing"
	"time"
)

func TestNewEntryComputesBytes(t *testing.T) {
	layers := NewDenseLayerSequence(2, 2, 4, 256)
	for _, l := range layers {
		_ = l.Append(floatTile(2, 3, 4, 0), floatTile(2, 3, 4, 0))
	}
	now := time.Unix(1000, 0)

	e := NewEntry("k", []int32{1, 2, 3}, layers, now)
	if e.Bytes == 0 {
		t.Error("RecomputeBytes() left Bytes at 0")
	}
	if !e.CreatedAt.Equal(now) || !e.LastAccessedAt.Equal(now) {
		t.Error("NewEntry() did not stamp both timestamps to now")
	}
}

func TestEntryValidAtRespectsTTL(t *testing.T) {
	now := time.Unix(1000, 0)
	e := NewEntry("k", nil, nil, now)

	if !e.ValidAt(now.Add(4*time.Minute), 5*time.Minute) {
		t.Error("ValidAt() = false before ttl elapsed, want true")
	}
	if e.ValidAt(now.Add(6*time.Minute), 5*time.Minute) {
		t.Error("ValidAt() = true after ttl elapsed, want false")
	}
}

func TestEntryTouchUpdatesLastAccessed(t *testing.T) {
	now := time.Unix(1000, 0)
	e := NewEntry("k", nil, nil, now)

	later := now.Add(time.Minute)
	e.Touch(later)
	if !e.LastAccessedAt.Equal(later) {
		t.Errorf("LastAccessedAt = %v, want %v", e.LastAccessedAt, later)
	}
	if !e.CreatedAt.Equal(now) {
		t.Error("Touch() must not change CreatedAt")
	}
}

func TestEntryRecomputeBytesTracksTokenCount(t *testing.T) {
	now := time.Unix(1000, 0)
	e := NewEntry("k", []int32{1, 2, 3}, nil, now)
	withThree := e.Bytes

	e.Tokens = e.Tokens[:1]
	withOne := e.RecomputeBytes()

	if withOne >= withThree {
		t.Errorf("RecomputeBytes() after shrinking tokens = %d, want < %d", withOne, withThree)
	}
}
