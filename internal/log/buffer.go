package log

import "sync"

// RingBuffer retains the most recent log lines so the CLI can replay them
// on demand without re-reading the debug log file.
type RingBuffer struct {
	mu    sync.RWMutex
	slots []string
	next  int
	count int
}

// NewRingBuffer returns a buffer holding at most capacity lines. A capacity
// below 1 is raised to 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{slots: make([]string, capacity)}
}

// Add records a line, evicting the oldest once the buffer is full.
func (r *RingBuffer) Add(entry string) {
	r.mu.Lock()
	r.slots[r.next] = entry
	r.next = (r.next + 1) % len(r.slots)
	if r.count < len(r.slots) {
		r.count++
	}
	r.mu.Unlock()
}

// GetLast returns up to n of the most recent lines, oldest first. An empty
// buffer or a non-positive n yields nil.
func (r *RingBuffer) GetLast(n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]string, 0, n)
	for i := r.next - n; i < r.next; i++ {
		out = append(out, r.slots[(i+len(r.slots))%len(r.slots)])
	}
	return out
}

// Clear drops all retained lines.
func (r *RingBuffer) Clear() {
	r.mu.Lock()
	r.next, r.count = 0, 0
	r.mu.Unlock()
}
