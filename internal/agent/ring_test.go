package agent

import (
	"strings"
	"testing"
)

func TestRingEvictsOldest(t *testing.T) {
	r := newOutputRing(10)
	r.Append("aaaa")
	r.Append("bbbb")
	r.Append("cccc")

	if r.Bytes() > 10 {
		t.Errorf("byte total %d exceeds limit", r.Bytes())
	}
	chunks := r.Chunks()
	if len(chunks) != 2 || chunks[0] != "bbbb" || chunks[1] != "cccc" {
		t.Errorf("expected oldest evicted, got %v", chunks)
	}
}

func TestRingOversizedChunkTruncated(t *testing.T) {
	r := newOutputRing(8)
	r.Append(strings.Repeat("x", 20) + "tail")

	if r.Bytes() != 8 {
		t.Errorf("expected 8 bytes, got %d", r.Bytes())
	}
	if got := r.Text(); !strings.HasSuffix(got, "tail") {
		t.Errorf("truncation should keep the tail, got %q", got)
	}
}

func TestRingBoundInvariantUnderLoad(t *testing.T) {
	r := newOutputRing(100)
	for i := 0; i < 1000; i++ {
		r.Append("chunk-of-output\n")
		if r.Bytes() > 100 {
			t.Fatalf("byte bound violated at append %d: %d", i, r.Bytes())
		}
	}
}

func TestRingText(t *testing.T) {
	r := newOutputRing(100)
	r.Append("hello ")
	r.Append("world")
	if r.Text() != "hello world" {
		t.Errorf("got %q", r.Text())
	}
}
