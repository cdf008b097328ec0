package outbox

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/concrnt/apnode/types"
)

var (
	ErrPollClosed  = errors.New("poll is closed")
	ErrInvalidVote = errors.New("invalid vote")
)

// TallyPoll recounts the answers stored for a local Question, saves the totals on it and
// federates them as an Update.
func (c *Composer) TallyPoll(ctx context.Context, question types.OutboxObject) error {
	ctx, span := tracer.Start(ctx, "Outbox.Composer.TallyPoll")
	defer span.End()

	poll, ok := question.ApObject.Poll()
	if !ok {
		return errors.Wrapf(ErrInvalidPostType, "%s is not a poll", question.ApID)
	}

	err := c.inTransaction(ctx, func(tx *Composer) error {
		answers, err := tx.store.GetPollAnswers(ctx, question.ID)
		if err != nil {
			return err
		}
		counts := map[string]int{}
		voters := map[uint]bool{}
		for _, answer := range answers {
			counts[answer.Name]++
			voters[answer.ActorID] = true
		}

		question.ApObject.SetPollResults(poll, counts, len(voters))
		question.ApObject.Set("updated", tx.now().UTC().Format(time.RFC3339))
		question.ApObject = *question.ApObject.Clone()
		question, err = tx.store.UpdateOutboxObject(ctx, question)
		if err != nil {
			return err
		}

		tx.logger.Info("poll tallied",
			zap.String("question", question.ApID), zap.Int("voters", len(voters)))
		_, err = tx.publishUpdate(ctx, question)
		return err
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// SendVote answers a remote Question with one Note per chosen option, addressed to the
// poll's author only. It returns the public ids of the answers.
func (c *Composer) SendVote(ctx context.Context, questionID string, names []string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "Outbox.Composer.SendVote")
	defer span.End()

	var publicIDs []string
	err := c.inTransaction(ctx, func(tx *Composer) error {
		question, err := tx.SaveRemoteObject(ctx, questionID)
		if err != nil {
			return err
		}
		if err := tx.loadActor(ctx, &question); err != nil {
			return err
		}

		poll, ok := question.ApObject.Poll()
		if !ok {
			return errors.Wrapf(ErrInvalidPostType, "%s is not a poll", questionID)
		}
		if question.ApObject.PollClosed(tx.now()) {
			return errors.Wrap(ErrPollClosed, questionID)
		}
		if len(names) == 0 || (poll.Kind == types.PollOneOf && len(names) > 1) {
			return errors.Wrapf(ErrInvalidVote, "%d answers to a %s poll", len(names), poll.Kind)
		}
		for _, name := range names {
			if !poll.Has(name) {
				return errors.Wrapf(ErrInvalidVote, "%q is not an option", name)
			}
		}

		conversation := question.ApID
		if question.Conversation != nil {
			conversation = *question.Conversation
		}
		published := tx.now().UTC().Format(time.RFC3339)

		for _, name := range names {
			publicID := newPublicID()
			apID := tx.config.ObjectURL(publicID)
			doc := map[string]any{
				"@context":     types.ActivityStreamsContext,
				"id":           apID,
				"type":         string(types.TypeNote),
				"attributedTo": tx.config.ActorID(),
				"name":         name,
				"to":           []string{question.Actor.ApID},
				"cc":           []string{},
				"published":    published,
				"inReplyTo":    question.ApID,
				"conversation": conversation,
				"url":          apID,
			}
			vote, err := tx.save(ctx, publicID, doc, func(o *types.OutboxObject) {
				o.IsTransient = true
				o.Conversation = &conversation
				o.RelatesToInboxObjectID = &question.ID
			})
			if err != nil {
				return err
			}

			inboxes, err := tx.resolver.Resolve(ctx, &vote.ApObject)
			if err != nil {
				return err
			}
			if err := tx.enqueue(ctx, vote, inboxes); err != nil {
				return err
			}
			publicIDs = append(publicIDs, publicID)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return publicIDs, nil
}
