// Package waker carries wake-up hints between enqueuers and queue pollers.
// A missed hint only delays work until the next poll; the database stays the source of truth.
package waker

import (
	"context"
	"sync"
)

const (
	QueueOutgoing = "outgoing"
	QueueIncoming = "incoming"
)

type Waker interface {
	// Notify signals that queue has new work.
	Notify(ctx context.Context, queue string)
	// Subscribe returns a channel that receives at least one value after each Notify.
	// The subscription ends with ctx.
	Subscribe(ctx context.Context, queue string) <-chan struct{}
}

// Local fans hints out within one process.
type Local struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func NewLocal() *Local {
	return &Local{subs: map[string]map[chan struct{}]struct{}{}}
}

func (l *Local) Notify(ctx context.Context, queue string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subs[queue] {
		select {
		case ch <- struct{}{}:
		default:
			// a hint is already pending
		}
	}
}

func (l *Local) Subscribe(ctx context.Context, queue string) <-chan struct{} {
	ch := make(chan struct{}, 1)

	l.mu.Lock()
	if l.subs[queue] == nil {
		l.subs[queue] = map[chan struct{}]struct{}{}
	}
	l.subs[queue][ch] = struct{}{}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs[queue], ch)
		l.mu.Unlock()
	}()

	return ch
}

func (l *Local) subscribers(queue string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs[queue])
}
