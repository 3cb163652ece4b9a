package audio

import (
	"context"
	"sync"
	"time"

	"github.com/proBhavesh/simplydash/clock"
)

// DefaultAckTimeout bounds how long the control side waits for the audio
// thread to acknowledge a command.
const DefaultAckTimeout = 5 * time.Second

// Receipt is the audio thread's acknowledgement of one command.
type Receipt struct {
	ID   uint64
	Data any
	Err  error
}

type pendingReceipt struct {
	command string
	created time.Time
	ch      chan Receipt
}

// receipts correlates command ids with their acknowledgements. Ids increase
// monotonically for the life of the table.
type receipts struct {
	timeout time.Duration
	clock   clock.Clock

	mu      sync.Mutex
	next    uint64
	pending map[uint64]*pendingReceipt
	closed  error
}

func newReceipts(timeout time.Duration, clk clock.Clock) *receipts {
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &receipts{timeout: timeout, clock: clk, pending: make(map[uint64]*pendingReceipt)}
}

// register allocates the next id. The returned channel receives exactly one
// Receipt unless the entry is cancelled.
func (r *receipts) register(command string) (uint64, <-chan Receipt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	ch := make(chan Receipt, 1)
	if r.closed != nil {
		ch <- Receipt{ID: id, Err: r.closed}
		return id, ch
	}
	r.pending[id] = &pendingReceipt{command: command, created: r.clock.Now(), ch: ch}
	return id, ch
}

// resolve delivers a receipt. It reports false for unknown or already
// expired ids.
func (r *receipts) resolve(id uint64, data any, err error) bool {
	r.mu.Lock()
	p, ok := r.pending[id]
	delete(r.pending, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	p.ch <- Receipt{ID: id, Data: data, Err: err}
	return true
}

func (r *receipts) cancel(id uint64) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func (r *receipts) expire(id uint64) *AckTimeoutError {
	r.mu.Lock()
	defer r.mu.Unlock()
	cmd := ""
	if p, ok := r.pending[id]; ok {
		cmd = p.command
		delete(r.pending, id)
	}
	return &AckTimeoutError{Command: cmd, ID: id}
}

// wait blocks until the receipt arrives, the table timeout elapses or ctx is done.
func (r *receipts) wait(ctx context.Context, id uint64, ch <-chan Receipt) (Receipt, error) {
	return r.waitFor(ctx, id, ch, r.timeout)
}

func (r *receipts) waitFor(ctx context.Context, id uint64, ch <-chan Receipt, d time.Duration) (Receipt, error) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case rc := <-ch:
		return rc, rc.Err
	case <-t.C:
		return Receipt{ID: id}, r.expire(id)
	case <-ctx.Done():
		r.cancel(id)
		return Receipt{ID: id}, ctx.Err()
	}
}

// prune drops entries older than the timeout, failing their waiters with
// AckTimeoutError. It returns the number of entries dropped.
func (r *receipts) prune() int {
	now := r.clock.Now()
	r.mu.Lock()
	var stale []*pendingReceipt
	var ids []uint64
	for id, p := range r.pending {
		if now.Sub(p.created) >= r.timeout {
			stale = append(stale, p)
			ids = append(ids, id)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()
	for i, p := range stale {
		p.ch <- Receipt{ID: ids[i], Err: &AckTimeoutError{Command: p.command, ID: ids[i]}}
	}
	return len(stale)
}

// closeAll fails every pending and future registration with err.
func (r *receipts) closeAll(err error) {
	r.mu.Lock()
	r.closed = err
	pending := r.pending
	r.pending = make(map[uint64]*pendingReceipt)
	r.mu.Unlock()
	for id, p := range pending {
		p.ch <- Receipt{ID: id, Err: err}
	}
}

func (r *receipts) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
