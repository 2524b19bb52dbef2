package conntable

import (
	"sync"

	"github.com/eapache/queue"
)

type fragment struct {
	data []byte
}

// Inbound is the per-connection queue of received fragments used in passive
// receive mode. The reactor pushes, the command context reads; both under mu.
type Inbound struct {
	mu           sync.Mutex
	q            *queue.Queue
	maxFragments int
	bytes        int
	dropped      uint64
}

// NewInbound creates a queue holding at most maxFragments fragments.
func NewInbound(maxFragments int) *Inbound {
	if maxFragments < 1 {
		maxFragments = 1
	}
	return &Inbound{q: queue.New(), maxFragments: maxFragments}
}

// Push appends a copy of p. When the queue is at its bound the oldest fragment
// is dropped first; the return value reports whether that happened.
func (in *Inbound) Push(p []byte) bool {
	if len(p) == 0 {
		return false
	}
	data := make([]byte, len(p))
	copy(data, p)

	in.mu.Lock()
	defer in.mu.Unlock()
	dropped := false
	for in.q.Length() >= in.maxFragments {
		old := in.q.Remove().(*fragment)
		in.bytes -= len(old.data)
		in.dropped++
		dropped = true
	}
	in.q.Add(&fragment{data: data})
	in.bytes += len(data)
	return dropped
}

// Read consumes up to max bytes across fragments, splitting the last one if needed.
func (in *Inbound) Read(max int) []byte {
	in.mu.Lock()
	defer in.mu.Unlock()
	if max <= 0 || in.bytes == 0 {
		return nil
	}
	if max > in.bytes {
		max = in.bytes
	}
	out := make([]byte, 0, max)
	for len(out) < max && in.q.Length() > 0 {
		head := in.q.Peek().(*fragment)
		n := copy(out[len(out):max], head.data)
		out = out[:len(out)+n]
		if n == len(head.data) {
			in.q.Remove()
		} else {
			head.data = head.data[n:]
		}
		in.bytes -= n
	}
	return out
}

// Len returns the number of queued bytes.
func (in *Inbound) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.bytes
}

// Fragments returns the number of queued fragments.
func (in *Inbound) Fragments() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.q.Length()
}

// Dropped returns how many fragments were discarded because of the bound.
func (in *Inbound) Dropped() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.dropped
}

// Reset releases every queued fragment.
func (in *Inbound) Reset() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.q = queue.New()
	in.bytes = 0
}
