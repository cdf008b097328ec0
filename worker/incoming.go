package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/concrnt/apnode/store"
	"github.com/concrnt/apnode/types"
)

type Processor interface {
	Process(ctx context.Context, sentBy string, raw *types.RawApObj) error
}

// Incoming runs admitted IncomingActivity rows through the inbox processor.
type Incoming struct {
	store     *store.Store
	processor Processor
	metrics   *Metrics
	logger    *zap.Logger
	now       func() time.Time
}

func NewIncoming(store *store.Store, processor Processor, metrics *Metrics, logger *zap.Logger) *Incoming {
	return &Incoming{
		store:     store,
		processor: processor,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

func (i *Incoming) Due(ctx context.Context, exclude []uint, limit int) ([]types.IncomingActivity, error) {
	return i.store.FetchIncomingActivities(ctx, i.now(), exclude, limit)
}

func (i *Incoming) ID(activity types.IncomingActivity) uint {
	return activity.ID
}

func (i *Incoming) Handle(ctx context.Context, activity types.IncomingActivity) {
	ctx, span := tracer.Start(ctx, "Worker.Incoming.Handle")
	defer span.End()
	span.SetAttributes(attribute.String("ap_id", activity.ApID), attribute.String("sent_by", activity.SentByApActorID))

	ctx, cancel := context.WithTimeout(ctx, ItemTimeout)
	defer cancel()

	err := i.process(ctx, activity)

	now := i.now()
	activity.Tries++
	activity.LastTry = &now

	result := resultProcessed
	if err == nil {
		activity.IsProcessed = true
		activity.Error = nil
	} else {
		span.RecordError(err)
		msg := fmt.Sprintf("%+v", err)
		activity.Error = &msg
		if activity.Tries >= MaxIncomingTries {
			activity.IsErrored = true
			result = resultFailed
		} else {
			activity.NextTry = now.Add(Backoff(activity.Tries))
			result = resultRetry
		}
		i.logger.Warn("failed to process incoming activity",
			zap.Uint("id", activity.ID),
			zap.String("ap_id", activity.ApID),
			zap.Int("tries", activity.Tries),
			zap.Error(err),
		)
	}
	if i.metrics != nil {
		i.metrics.Incoming.WithLabelValues(result).Inc()
	}

	if err := i.store.UpdateIncomingActivity(context.WithoutCancel(ctx), activity); err != nil {
		span.RecordError(err)
		i.logger.Error("failed to save incoming state", zap.Uint("id", activity.ID), zap.Error(err))
	}
}

func (i *Incoming) process(ctx context.Context, activity types.IncomingActivity) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic while processing: %v", r)
		}
	}()
	return i.processor.Process(ctx, activity.SentByApActorID, activity.ApObject.Clone())
}
