package passthrough

import "fmt"

// State of one ping/pong buffer.
type State int32

const (
	Empty State = iota
	Filling
	ReadyToSend
	Sending
)

func (s State) String() string {
	switch s {
	case Empty:
		return "EMPTY"
	case Filling:
		return "FILLING"
	case ReadyToSend:
		return "READY_TO_SEND"
	case Sending:
		return "SENDING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Buffer is a fixed-capacity accumulator. w >= r always; drained when equal.
type Buffer struct {
	storage []byte
	w, r    int
	state   State
}

func NewBuffer(size int) *Buffer {
	return &Buffer{storage: make([]byte, size)}
}

// Append copies as much of p as fits and returns the count.
func (b *Buffer) Append(p []byte) int {
	n := copy(b.storage[b.w:], p)
	b.w += n
	if n > 0 && b.state == Empty {
		b.state = Filling
	}
	return n
}

func (b *Buffer) Cap() int { return len(b.storage) }
func (b *Buffer) Full() bool { return b.w == len(b.storage) }
func (b *Buffer) Remaining() int { return b.w - b.r }
func (b *Buffer) Drained() bool { return b.w == b.r }
func (b *Buffer) State() State { return b.state }
func (b *Buffer) unsent() []byte { return b.storage[b.r:b.w] }
func (b *Buffer) advance(n int) { b.r += n }

func (b *Buffer) reset() {
	b.w, b.r = 0, 0
	b.state = Empty
}

func (b *Buffer) release() {
	b.storage = nil
	b.w, b.r = 0, 0
	b.state = Empty
}
