package sshterminal

import (
	"strings"
	"sync"
	"testing"
)

func TestScrollbackBuffer_BasicWriteRead(t *testing.T) {
	sb := NewScrollbackBuffer(64)

	sb.Write([]byte("hello "))
	sb.Write([]byte("world"))
	if got := string(sb.Snapshot()); got != "hello world" {
		t.Errorf("got %q, want %q", got, "hello world")
	}
	if sb.Len() != 11 {
		t.Errorf("Len = %d, want 11", sb.Len())
	}
}

func TestScrollbackBuffer_Trim(t *testing.T) {
	sb := NewScrollbackBuffer(1024)

	first := strings.Repeat("A", 512)
	second := strings.Repeat("B", 1024)
	sb.Write([]byte(first))
	sb.Write([]byte(second))

	got := sb.Snapshot()
	if len(got) != 1024 {
		t.Fatalf("len = %d, want 1024", len(got))
	}
	if string(got) != second {
		t.Error("expected only the most recent 1024 bytes to remain")
	}
	if _, end := sb.SnapshotWithOffset(); end != 1536 {
		t.Errorf("end offset = %d, want 1536", end)
	}
}

func TestScrollbackBuffer_WriteOffsets(t *testing.T) {
	sb := NewScrollbackBuffer(4)

	if off := sb.Write([]byte("abc")); off != 0 {
		t.Errorf("first offset = %d, want 0", off)
	}
	if off := sb.Write([]byte("defg")); off != 3 {
		t.Errorf("second offset = %d, want 3", off)
	}
	data, end := sb.SnapshotWithOffset()
	if string(data) != "defg" || end != 7 {
		t.Errorf("snapshot = %q at %d, want \"defg\" at 7", data, end)
	}
}

func TestScrollbackBuffer_DefaultSize(t *testing.T) {
	sb := NewScrollbackBuffer(0)
	if sb.maxLen != defaultScrollbackSize {
		t.Errorf("maxLen = %d, want %d", sb.maxLen, defaultScrollbackSize)
	}
}

func TestScrollbackBuffer_SnapshotIsCopy(t *testing.T) {
	sb := NewScrollbackBuffer(64)
	sb.Write([]byte("abc"))
	snap := sb.Snapshot()
	snap[0] = 'X'
	if got := string(sb.Snapshot()); got != "abc" {
		t.Errorf("snapshot aliasing: buffer now %q", got)
	}
}

func TestScrollbackBuffer_ConcurrentWrites(t *testing.T) {
	sb := NewScrollbackBuffer(1 << 20)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				sb.Write([]byte("x"))
			}
		}()
	}
	wg.Wait()
	if sb.Len() != 1000 {
		t.Errorf("Len = %d, want 1000", sb.Len())
	}
}
