package localchan

import (
	"context"
	"fmt"
	"sync"
)

// InProcess is a bounded typed channel. A full channel counts as transient
// resource exhaustion and is retried under the submit budget.
type InProcess struct {
	opts Options
	ch   chan *Request
	done chan struct{}

	// held shared across check-and-send, exclusively by Close
	mu        sync.RWMutex
	closeOnce sync.Once
}

func NewInProcess(opts Options) *InProcess {
	opts = opts.withDefaults()
	return &InProcess{
		opts: opts,
		ch:   make(chan *Request, opts.Depth),
		done: make(chan struct{}),
	}
}

func (c *InProcess) Submit(ctx context.Context, req *Request) error {
	if err := validate(req); err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		sent, err := c.trySend(req)
		if err != nil {
			return err
		}
		if sent {
			return nil
		}
		if attempt >= c.opts.SubmitRetries {
			return fmt.Errorf("%w: channel full after %d attempts", ErrSubmitFailed, attempt+1)
		}
		if err := backoff(ctx, c.done, c.opts.SubmitBackoff); err != nil {
			return err
		}
	}
}

func (c *InProcess) trySend(req *Request) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	select {
	case <-c.done:
		return false, ErrClosed
	default:
	}
	select {
	case c.ch <- req:
		return true, nil
	default:
		return false, nil
	}
}

func (c *InProcess) Requests() <-chan *Request { return c.ch }

// Close stops accepting submissions. Requests already queued stay readable.
func (c *InProcess) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		c.mu.Unlock()
	})
	return nil
}

func (c *InProcess) Drain() []*Request {
	var out []*Request
	for {
		select {
		case req := <-c.ch:
			out = append(out, req)
		default:
			return out
		}
	}
}
