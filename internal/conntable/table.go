// Package conntable is the fixed-capacity registry of socket endpoints.
//
// A slot is free while its FD is FreeFD. FDs are handles minted by the owner of
// the table (the reactor); the table never interprets them beyond the sentinel.
// All methods are safe for concurrent use, but by contract only the reactor
// goroutine mutates slots (Allocate/Store/Free); other contexts read snapshots,
// flag stop requests and drain inbound queues.
package conntable

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
)

const (
	AnyIndex     = -1
	InvalidIndex = -1
	FreeFD       = -1
)

var (
	ErrFull         = errors.New("connection table full")
	ErrInvalidIndex = errors.New("invalid connection index")
	ErrInvalidFD    = errors.New("invalid socket handle")
	ErrSlotBusy     = errors.New("connection slot in use")
	ErrNotOccupied  = errors.New("connection slot not occupied")
)

type Transport int

const (
	TCP Transport = iota
	UDP
)

func (t Transport) String() string {
	if t == UDP {
		return "UDP"
	}
	return "TCP"
}

func (t Transport) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

type Role int

const (
	Client Role = iota
	ServerAccepted
)

func (r Role) String() string {
	if r == ServerAccepted {
		return "server"
	}
	return "client"
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// Endpoint is the network identity of a slot; immutable once stored.
type Endpoint struct {
	Transport  Transport `json:"transport"`
	Role       Role      `json:"role"`
	RemoteAddr string    `json:"remote_addr"`
	RemotePort int       `json:"remote_port"`
	LocalPort  int       `json:"local_port"`
	Conn       net.Conn  `json:"-"`
}

// Info is a point-in-time copy of an occupied slot.
type Info struct {
	Index int `json:"index"`
	FD    int `json:"fd"`
	Endpoint
	TraceID       string `json:"trace_id"`
	StopRequested bool   `json:"stop_requested"`
	BytesIn       uint64 `json:"bytes_in"`
	BytesOut      uint64 `json:"bytes_out"`
	Pending       int    `json:"pending"`
}

type entry struct {
	fd       int
	reserved bool
	ep       Endpoint
	traceID  string
	stopReq  bool
	bytesIn  uint64
	bytesOut uint64
	inbound  *Inbound
}

func (e *entry) reset() {
	if e.inbound != nil {
		e.inbound.Reset()
	}
	*e = entry{fd: FreeFD}
}

// Table holds MaxClients slots.
type Table struct {
	mu       sync.RWMutex
	slots    []entry
	count    int
	queueLen int
}

// New creates a table with maxClients slots. queueLen > 0 enables the
// per-slot inbound fragment queue with that bound.
func New(maxClients, queueLen int) *Table {
	t := &Table{slots: make([]entry, maxClients), queueLen: queueLen}
	for i := range t.slots {
		t.slots[i].fd = FreeFD
	}
	return t
}

// Capacity returns MaxClients.
func (t *Table) Capacity() int { return len(t.slots) }

// Allocate reserves a slot. With requested == AnyIndex the first free slot is
// returned, otherwise the requested slot only if it is free.
func (t *Table) Allocate(requested int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count >= len(t.slots) {
		return InvalidIndex, ErrFull
	}
	if requested != AnyIndex {
		if requested < 0 || requested >= len(t.slots) {
			return InvalidIndex, fmt.Errorf("%w: %d", ErrInvalidIndex, requested)
		}
		s := &t.slots[requested]
		if s.fd != FreeFD || s.reserved {
			return InvalidIndex, fmt.Errorf("%w: %d", ErrSlotBusy, requested)
		}
		s.reserved = true
		return requested, nil
	}
	for i := range t.slots {
		if t.slots[i].fd == FreeFD && !t.slots[i].reserved {
			t.slots[i].reserved = true
			return i, nil
		}
	}
	return InvalidIndex, ErrFull
}

// Release drops a reservation made by Allocate that was never stored.
func (t *Table) Release(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index >= 0 && index < len(t.slots) && t.slots[index].fd == FreeFD {
		t.slots[index].reserved = false
	}
}

// Store fills an allocated (or free) slot and counts it as occupied.
func (t *Table) Store(index, fd int, ep Endpoint) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.slots) {
		return InvalidIndex, fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	if fd < 0 {
		return InvalidIndex, fmt.Errorf("%w: %d", ErrInvalidFD, fd)
	}
	s := &t.slots[index]
	if s.fd != FreeFD {
		return InvalidIndex, fmt.Errorf("%w: %d", ErrSlotBusy, index)
	}
	*s = entry{fd: fd, ep: ep, traceID: uuid.NewString()}
	if t.queueLen > 0 {
		s.inbound = NewInbound(t.queueLen)
	}
	t.count++
	return index, nil
}

// Free releases a slot. It is a no-op on a free slot; ok reports whether an
// occupied slot was actually freed, info is its last state.
func (t *Table) Free(index int) (info Info, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.slots) {
		return Info{}, false
	}
	s := &t.slots[index]
	if s.fd == FreeFD {
		s.reserved = false
		return Info{}, false
	}
	info = s.info(index)
	s.reset()
	t.count--
	return info, true
}

// FindByFD returns the index of the slot holding fd.
func (t *Table) FindByFD(fd int) (int, bool) {
	if fd < 0 {
		return InvalidIndex, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := range t.slots {
		if t.slots[i].fd == fd {
			return i, true
		}
	}
	return InvalidIndex, false
}

// ValidCount returns the number of occupied slots.
func (t *Table) ValidCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Get returns a copy of an occupied slot.
func (t *Table) Get(index int) (Info, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if index < 0 || index >= len(t.slots) || t.slots[index].fd == FreeFD {
		return Info{}, false
	}
	return t.slots[index].info(index), true
}

// Occupied returns the indices of occupied slots in ascending order.
func (t *Table) Occupied() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]int, 0, t.count)
	for i := range t.slots {
		if t.slots[i].fd != FreeFD {
			out = append(out, i)
		}
	}
	return out
}

// Snapshot copies every occupied slot.
func (t *Table) Snapshot() []Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Info, 0, t.count)
	for i := range t.slots {
		if t.slots[i].fd != FreeFD {
			out = append(out, t.slots[i].info(i))
		}
	}
	return out
}

// RequestStop flags an occupied slot for closing at the reactor's next iteration.
func (t *Table) RequestStop(index int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.slots) {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	if t.slots[index].fd == FreeFD {
		return fmt.Errorf("%w: %d", ErrNotOccupied, index)
	}
	t.slots[index].stopReq = true
	return nil
}

// StopRequests returns the occupied slots whose stop flag is set.
func (t *Table) StopRequests() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []int
	for i := range t.slots {
		if t.slots[i].fd != FreeFD && t.slots[i].stopReq {
			out = append(out, i)
		}
	}
	return out
}

// Inbound returns the fragment queue of an occupied slot; nil when queuing is disabled.
func (t *Table) Inbound(index int) (*Inbound, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if index < 0 || index >= len(t.slots) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	if t.slots[index].fd == FreeFD {
		return nil, fmt.Errorf("%w: %d", ErrNotOccupied, index)
	}
	return t.slots[index].inbound, nil
}

// AddBytes accumulates traffic counters of an occupied slot.
func (t *Table) AddBytes(index int, in, out int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.slots) || t.slots[index].fd == FreeFD {
		return
	}
	t.slots[index].bytesIn += uint64(in)
	t.slots[index].bytesOut += uint64(out)
}

func (e *entry) info(index int) Info {
	in := Info{
		Index:         index,
		FD:            e.fd,
		Endpoint:      e.ep,
		TraceID:       e.traceID,
		StopRequested: e.stopReq,
		BytesIn:       e.bytesIn,
		BytesOut:      e.bytesOut,
	}
	if e.inbound != nil {
		in.Pending = e.inbound.Len()
	}
	return in
}
