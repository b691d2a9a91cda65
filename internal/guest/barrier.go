package guest

import (
	"context"
	"fmt"
	"sync"
)

// Barrier signals guest readiness. Each guest's signal is a channel closed
// exactly once, either ready or failed.
type Barrier struct {
	mu      sync.Mutex
	signals map[string]chan struct{}
	errs    map[string]error
}

func NewBarrier(names ...string) *Barrier {
	b := &Barrier{signals: map[string]chan struct{}{}, errs: map[string]error{}}
	for _, n := range names {
		b.signals[n] = make(chan struct{})
	}
	return b
}

// Ready releases everyone waiting on name.
func (b *Barrier) Ready(name string) {
	b.release(name, nil)
}

// Fail poisons the barrier for name: waiters are released with err.
func (b *Barrier) Fail(name string, err error) {
	if err == nil {
		err = fmt.Errorf("preparation failed")
	}
	b.release(name, err)
}

func (b *Barrier) release(name string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.signals[name]
	if !ok {
		ch = make(chan struct{})
		b.signals[name] = ch
	}
	select {
	case <-ch:
		return
	default:
	}
	if err != nil {
		b.errs[name] = err
	}
	close(ch)
}

// Wait blocks until every named guest is ready. It fails when one of them
// failed or ctx is done.
func (b *Barrier) Wait(ctx context.Context, names ...string) error {
	for _, name := range names {
		b.mu.Lock()
		ch, ok := b.signals[name]
		b.mu.Unlock()
		if !ok {
			return fmt.Errorf("unknown guest %q", name)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
		b.mu.Lock()
		err := b.errs[name]
		b.mu.Unlock()
		if err != nil {
			return fmt.Errorf("guest %q is not ready: %w", name, err)
		}
	}
	return nil
}

// IsReady reports whether name was released without failure.
func (b *Barrier) IsReady(name string) bool {
	b.mu.Lock()
	ch, ok := b.signals[name]
	err := b.errs[name]
	b.mu.Unlock()
	if !ok || err != nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
