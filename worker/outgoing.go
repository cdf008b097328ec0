package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/concrnt/apnode/apclient"
	"github.com/concrnt/apnode/signature"
	"github.com/concrnt/apnode/store"
	"github.com/concrnt/apnode/types"
)

const ldSignatureTTL = 5 * time.Minute

type Poster interface {
	Post(ctx context.Context, inbox string, payload []byte) (*apclient.Response, error)
}

// Outgoing delivers OutgoingActivity rows to remote inboxes.
type Outgoing struct {
	store    *store.Store
	client   Poster
	ldsigner *signature.LDSigner
	signed   *cache.Cache
	metrics  *Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewOutgoing returns the delivery side of the outgoing queue. ldsigner may be nil, in which
// case activities go out with an HTTP signature only.
func NewOutgoing(store *store.Store, client Poster, ldsigner *signature.LDSigner, metrics *Metrics, logger *zap.Logger) *Outgoing {
	return &Outgoing{
		store:    store,
		client:   client,
		ldsigner: ldsigner,
		signed:   cache.New(ldSignatureTTL, 2*ldSignatureTTL),
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

func (o *Outgoing) Due(ctx context.Context, exclude []uint, limit int) ([]types.OutgoingActivity, error) {
	return o.store.FetchOutgoingActivities(ctx, o.now(), exclude, limit)
}

func (o *Outgoing) ID(task types.OutgoingActivity) uint {
	return task.ID
}

func (o *Outgoing) Handle(ctx context.Context, task types.OutgoingActivity) {
	ctx, span := tracer.Start(ctx, "Worker.Outgoing.Handle")
	defer span.End()
	span.SetAttributes(attribute.String("recipient", task.Recipient), attribute.Int("tries", task.Tries))

	ctx, cancel := context.WithTimeout(ctx, ItemTimeout)
	defer cancel()

	result, err := o.attempt(ctx, task)
	if err != nil {
		span.RecordError(err)
	}

	task = o.record(task, result, err)
	o.count(result.outcome)

	if err := o.store.UpdateOutgoingActivity(context.WithoutCancel(ctx), task); err != nil {
		span.RecordError(err)
		o.logger.Error("failed to save delivery state", zap.Uint("id", task.ID), zap.Error(err))
	}
}

type attemptResult struct {
	outcome  outcome
	response *apclient.Response
}

func (o *Outgoing) attempt(ctx context.Context, task types.OutgoingActivity) (result attemptResult, err error) {
	result.outcome = outcomeRetry
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic while delivering: %v", r)
			result.outcome = outcomeRetry
		}
	}()

	payload, err := o.payload(ctx, task)
	if err != nil {
		if store.IsNotFound(err) {
			result.outcome = outcomeFailed
		}
		return result, err
	}

	resp, err := o.client.Post(ctx, task.Recipient, payload)
	if err != nil {
		return result, err
	}
	result.response = resp
	result.outcome = classify(resp.StatusCode)
	if result.outcome != outcomeSent {
		return result, errors.Errorf("inbox answered %d", resp.StatusCode)
	}
	return result, nil
}

// record applies the result of one attempt to task.
func (o *Outgoing) record(task types.OutgoingActivity, result attemptResult, cause error) types.OutgoingActivity {
	now := o.now()
	task.Tries++
	task.LastTry = &now

	if resp := result.response; resp != nil {
		status := resp.StatusCode
		body := truncate(resp.Body, maxResponseLength)
		task.LastStatusCode = &status
		task.LastResponse = &body
	}

	switch result.outcome {
	case outcomeSent:
		task.IsSent = true
		task.Error = nil
		o.logger.Debug("delivered", zap.Uint("id", task.ID), zap.String("recipient", task.Recipient))
		return task
	case outcomeFailed:
		task.IsErrored = true
	default:
		if task.Tries >= MaxOutgoingTries {
			task.IsErrored = true
			break
		}
		delay := Backoff(task.Tries)
		if resp := result.response; resp != nil && throttled(resp.StatusCode) {
			if after, ok := retryAfter(resp.Header, now); ok {
				delay = after
			}
		}
		task.NextTry = now.Add(delay)
	}

	if cause != nil {
		msg := fmt.Sprintf("%+v", cause)
		task.Error = &msg
	}
	o.logger.Info("delivery failed",
		zap.Uint("id", task.ID),
		zap.String("recipient", task.Recipient),
		zap.Int("tries", task.Tries),
		zap.Bool("errored", task.IsErrored),
		zap.Error(cause),
	)
	return task
}

func (o *Outgoing) count(result outcome) {
	if o.metrics == nil {
		return
	}
	o.metrics.Deliveries.WithLabelValues(result.String()).Inc()
}

// payload builds the body to POST: a forwarded inbox object verbatim, or an outbox object
// wrapped in its activity and LD-signed when public.
func (o *Outgoing) payload(ctx context.Context, task types.OutgoingActivity) ([]byte, error) {
	if task.InboxObjectID != nil {
		object, err := o.store.GetInboxObjectByID(ctx, *task.InboxObjectID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load forwarded object")
		}
		return json.Marshal(object.ApObject.GetData())
	}

	if task.OutboxObjectID == nil {
		return nil, errors.New("delivery without an object")
	}
	object, err := o.store.GetOutboxObjectByID(ctx, *task.OutboxObjectID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load outbox object")
	}

	activity := types.WrapObjectIfNeeded(object.ApObject.Clone())
	if o.wantsLDSignature(object, activity) {
		activity = o.ldSign(activity)
	}
	return json.Marshal(activity.GetData())
}

func (o *Outgoing) wantsLDSignature(object types.OutboxObject, activity *types.RawApObj) bool {
	if o.ldsigner == nil || object.Visibility != types.VisibilityPublic {
		return false
	}
	switch activity.Type() {
	case types.TypeCreate, types.TypeUpdate, types.TypeDelete:
		return true
	}
	return false
}

// ldSign returns activity with an embedded signature, reusing one made in the last few minutes
// so every recipient of a fan-out gets the same document.
func (o *Outgoing) ldSign(activity *types.RawApObj) *types.RawApObj {
	key := activity.ID()
	if cached, ok := o.signed.Get(key); ok {
		return cached.(*types.RawApObj)
	}

	if err := o.ldsigner.Sign(activity); err != nil {
		o.logger.Warn("failed to add linked-data signature", zap.String("id", key), zap.Error(err))
		return activity
	}
	if o.metrics != nil {
		o.metrics.LDSigned.Inc()
	}
	o.signed.SetDefault(key, activity)
	return activity
}
