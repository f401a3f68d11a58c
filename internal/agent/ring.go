package agent

import "sync"

// outputRing is a byte-bounded chunk deque. Appends evict the oldest
// chunks while the byte total exceeds the limit. Single writer: the
// stdout/stderr handler for one agent.
type outputRing struct {
	mu       sync.Mutex
	chunks   []string
	bytes    int
	maxBytes int
}

func newOutputRing(maxBytes int) *outputRing {
	return &outputRing{maxBytes: maxBytes}
}

// Append adds a chunk, evicting from the front on overflow. A single
// chunk larger than the limit is truncated to its tail.
func (r *outputRing) Append(chunk string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(chunk) > r.maxBytes {
		chunk = chunk[len(chunk)-r.maxBytes:]
	}
	r.chunks = append(r.chunks, chunk)
	r.bytes += len(chunk)

	for r.bytes > r.maxBytes && len(r.chunks) > 0 {
		r.bytes -= len(r.chunks[0])
		r.chunks = r.chunks[1:]
	}
}

// Chunks returns a copy of the current chunk sequence.
func (r *outputRing) Chunks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.chunks))
	copy(out, r.chunks)
	return out
}

// Bytes returns the current byte total.
func (r *outputRing) Bytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes
}

// Text joins the current chunks into one string.
func (r *outputRing) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, c := range r.chunks {
		total += len(c)
	}
	buf := make([]byte, 0, total)
	for _, c := range r.chunks {
		buf = append(buf, c...)
	}
	return string(buf)
}
