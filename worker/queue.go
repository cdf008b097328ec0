package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/concrnt/apnode/waker"
)

// Source is the database side of a queue.
type Source[T any] interface {
	// Due returns up to limit rows ready to run now, skipping the ids in exclude.
	Due(ctx context.Context, exclude []uint, limit int) ([]T, error)
	ID(item T) uint
	// Handle runs one row and records the outcome on it.
	Handle(ctx context.Context, item T)
}

// Queue feeds due rows from a Source to a fixed pool of workers.
// Rows being handled are never fetched twice.
type Queue[T any] struct {
	name     string
	source   Source[T]
	workers  int
	interval time.Duration
	grace    time.Duration
	waker    waker.Waker
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[uint]struct{}
}

func NewQueue[T any](name string, source Source[T], workers int, interval, grace time.Duration, w waker.Waker, logger *zap.Logger) *Queue[T] {
	if workers < 1 {
		workers = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Queue[T]{
		name:     name,
		source:   source,
		workers:  workers,
		interval: interval,
		grace:    grace,
		waker:    w,
		logger:   logger.With(zap.String("queue", name)),
		inflight: map[uint]struct{}{},
	}
}

// Run polls until ctx is done, then lets running items finish for the grace period
// before cancelling them. Items still buffered at that point stay in the database.
func (q *Queue[T]) Run(ctx context.Context) {
	q.logger.Info("queue started", zap.Int("workers", q.workers))

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	items := make(chan T, q.workers)

	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range items {
				if workCtx.Err() != nil {
					q.release(q.source.ID(item))
					continue
				}
				q.handle(workCtx, item)
			}
		}()
	}

	q.poll(ctx, items)
	close(items)

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(q.grace):
		q.logger.Warn("grace period over, cancelling running items")
		cancelWork()
		<-drained
	}
	q.logger.Info("queue stopped")
}

func (q *Queue[T]) poll(ctx context.Context, items chan<- T) {
	var wake <-chan struct{}
	if q.waker != nil {
		wake = q.waker.Subscribe(ctx, q.name)
	}

	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		n := q.fill(ctx, items)
		if ctx.Err() != nil {
			return
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// fill dispatches due rows while there is a free worker slot and reports how many it sent.
func (q *Queue[T]) fill(ctx context.Context, items chan<- T) int {
	free, exclude := q.slots()
	if free <= 0 {
		return 0
	}

	due, err := q.source.Due(ctx, exclude, free)
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Error("failed to fetch due items", zap.Error(err))
		}
		return 0
	}

	sent := 0
	for _, item := range due {
		if !q.acquire(q.source.ID(item)) {
			continue
		}
		select {
		case items <- item:
			sent++
		case <-ctx.Done():
			q.release(q.source.ID(item))
			return sent
		}
	}
	return sent
}

func (q *Queue[T]) handle(ctx context.Context, item T) {
	id := q.source.ID(item)
	defer q.release(id)
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("worker recovered from panic", zap.Uint("id", id), zap.String("panic", fmt.Sprint(r)))
		}
	}()
	q.source.Handle(ctx, item)
}

func (q *Queue[T]) slots() (int, []uint) {
	q.mu.Lock()
	defer q.mu.Unlock()

	exclude := make([]uint, 0, len(q.inflight))
	for id := range q.inflight {
		exclude = append(exclude, id)
	}
	// one buffered row per worker on top of the running ones
	return 2*q.workers - len(q.inflight), exclude
}

func (q *Queue[T]) acquire(id uint) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[id]; ok {
		return false
	}
	q.inflight[id] = struct{}{}
	return true
}

func (q *Queue[T]) release(id uint) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, id)
}

// InFlight reports how many rows are dispatched or running.
func (q *Queue[T]) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}
