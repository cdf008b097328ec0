package worker

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/concrnt/apnode/types"
	"github.com/concrnt/apnode/waker"
)

var tracer = otel.Tracer("worker")

type Config struct {
	OutgoingWorkers int           `yaml:"outgoingWorkers"`
	IncomingWorkers int           `yaml:"incomingWorkers"`
	PollInterval    time.Duration `yaml:"pollInterval"`
	ShutdownGrace   time.Duration `yaml:"shutdownGrace"`
}

func (c Config) withDefaults() Config {
	if c.OutgoingWorkers <= 0 {
		c.OutgoingWorkers = 4
	}
	if c.IncomingWorkers <= 0 {
		c.IncomingWorkers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	return c
}

type Worker struct {
	outgoing *Queue[types.OutgoingActivity]
	incoming *Queue[types.IncomingActivity]
}

func NewWorker(outgoing *Outgoing, incoming *Incoming, w waker.Waker, config Config, logger *zap.Logger) *Worker {
	config = config.withDefaults()
	return &Worker{
		outgoing: NewQueue[types.OutgoingActivity](waker.QueueOutgoing, outgoing, config.OutgoingWorkers, config.PollInterval, config.ShutdownGrace, w, logger),
		incoming: NewQueue[types.IncomingActivity](waker.QueueIncoming, incoming, config.IncomingWorkers, config.PollInterval, config.ShutdownGrace, w, logger),
	}
}

// Run blocks until ctx is done and both queues have drained.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.outgoing.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		w.incoming.Run(ctx)
	}()
	wg.Wait()
}
