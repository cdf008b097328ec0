package inbox

import (
	"context"
	"net/url"
	"slices"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/concrnt/apnode/actor"
	"github.com/concrnt/apnode/content"
	"github.com/concrnt/apnode/outbox"
	"github.com/concrnt/apnode/signature"
	"github.com/concrnt/apnode/store"
	"github.com/concrnt/apnode/types"
)

var tracer = otel.Tracer("inbox")

// Fetcher retrieves remote documents.
type Fetcher interface {
	Fetch(ctx context.Context, url string, skipCache bool) (*types.RawApObj, error)
}

// Processor applies admitted activities to the local state.
type Processor struct {
	store     *store.Store
	directory *actor.Directory
	composer  *outbox.Composer
	client    Fetcher
	ldsigner  *signature.LDSigner
	config    types.ApConfig
	logger    *zap.Logger
}

// NewProcessor returns a processor. A nil ldsigner makes every forwarded activity go through a re-fetch.
func NewProcessor(
	store *store.Store,
	directory *actor.Directory,
	composer *outbox.Composer,
	client Fetcher,
	ldsigner *signature.LDSigner,
	config types.ApConfig,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		store:     store,
		directory: directory,
		composer:  composer,
		client:    client,
		ldsigner:  ldsigner,
		config:    config,
		logger:    logger,
	}
}

func (p *Processor) WithStore(s *store.Store) *Processor {
	clone := *p
	clone.store = s
	clone.directory = p.directory.WithStore(s)
	clone.composer = p.composer.WithStore(s)
	return &clone
}

func drop(format string, args ...any) error {
	return errors.Wrapf(types.ErrDropped, format, args...)
}

// Process applies raw, received from sentBy, in a single transaction.
// Dropped activities leave no trace and return nil. Any other error means the
// activity should be retried later.
func (p *Processor) Process(ctx context.Context, sentBy string, raw *types.RawApObj) error {
	ctx, span := tracer.Start(ctx, "Inbox.Processor.Process")
	defer span.End()

	err := p.store.Transaction(ctx, func(tx *store.Store) error {
		return p.WithStore(tx).process(ctx, sentBy, raw)
	})
	if errors.Is(err, types.ErrDropped) {
		p.logger.Info("activity dropped",
			zap.String("id", raw.ID()),
			zap.String("type", string(raw.Type())),
			zap.String("sentBy", sentBy),
			zap.String("reason", err.Error()))
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (p *Processor) process(ctx context.Context, sentBy string, raw *types.RawApObj) error {
	// some servers push their actor document directly
	if raw.Type().IsActor() {
		if raw.ID() != sentBy {
			return drop("actor document %s sent by %s", raw.ID(), sentBy)
		}
		return p.updateActor(ctx, raw)
	}

	actorID := raw.ActorID()
	if actorID == "" {
		return drop("%s has no actor", raw.Type())
	}
	if host := hostOf(actorID); host != "" && p.config.IsBlockedServer(host) {
		return drop("server %s is blocked", host)
	}

	if raw.Type() == types.TypeDelete && raw.ObjectID() == actorID {
		return p.deleteGoneActor(ctx, actorID)
	}

	sender, err := p.directory.Fetch(ctx, actorID)
	if err != nil {
		if errors.Is(err, types.ErrObjectIsGone) || errors.Is(err, types.ErrObjectNotFound) {
			return drop("actor %s is unavailable: %v", actorID, err)
		}
		if errors.Is(err, types.ErrNotAnActor) || errors.Is(err, types.ErrActorMismatch) {
			return drop("actor %s is invalid: %v", actorID, err)
		}
		return err
	}
	if sender.IsBlocked {
		return drop("actor %s is blocked", sender.ApID)
	}
	if sender.IsDeleted {
		return drop("actor %s is deleted", sender.ApID)
	}

	var forwarder *types.Actor
	if sentBy != "" && sentBy != sender.ApID {
		p.logger.Info("processing a forwarded activity",
			zap.String("sentBy", sentBy), zap.String("actor", sender.ApID))
		raw, err = p.checkForwarded(ctx, sender, raw)
		if err != nil {
			return err
		}
		if f, err := p.store.GetActorByApID(ctx, sentBy); err == nil {
			forwarder = &f
		}
	}

	apID := raw.ID()
	if apID == "" {
		apID = raw.ContentHash()
	}
	if _, err := p.store.GetInboxObjectByApID(ctx, apID); err == nil {
		return drop("duplicate %s %s", raw.Type(), apID)
	} else if !store.IsNotFound(err) {
		return err
	}

	switch raw.Type() {
	case types.TypeFollow, types.TypeUndo, types.TypeAccept, types.TypeReject,
		types.TypeLike, types.TypeAnnounce, types.TypeCreate, types.TypeUpdate,
		types.TypeDelete, types.TypeBlock, types.TypeMove:
	default:
		p.logger.Info("ignoring unsupported activity",
			zap.String("id", apID), zap.String("type", string(raw.Type())))
		return nil
	}

	activity := types.NewInboxObject(raw, sender)
	activity.ApID = apID
	activity.IsHiddenFromStream = true

	var relatesInbox *types.InboxObject
	var relatesOutbox *types.OutboxObject
	if objectID := raw.ObjectID(); objectID != "" {
		if p.config.IsLocal(objectID) {
			o, err := p.store.GetOutboxObjectByApID(ctx, objectID)
			if err == nil {
				relatesOutbox = &o
				activity.RelatesToOutboxObjectID = &o.ID
			} else if !store.IsNotFound(err) {
				return err
			}
		} else {
			o, err := p.store.GetInboxObjectByApID(ctx, objectID)
			if err == nil {
				relatesInbox = &o
				activity.RelatesToInboxObjectID = &o.ID
			} else if !store.IsNotFound(err) {
				return err
			}
		}
	}

	activity, err = p.store.CreateInboxObject(ctx, activity)
	if err != nil {
		return errors.Wrap(err, "failed to save activity")
	}
	activity.Actor = sender

	switch raw.Type() {
	case types.TypeFollow:
		return p.handleFollow(ctx, sender, activity)
	case types.TypeUndo:
		return p.handleUndo(ctx, sender, activity, relatesInbox)
	case types.TypeAccept, types.TypeReject:
		return p.handleAcceptReject(ctx, sender, activity, relatesOutbox)
	case types.TypeLike:
		return p.handleLike(ctx, sender, activity, relatesInbox, relatesOutbox)
	case types.TypeAnnounce:
		return p.handleAnnounce(ctx, sender, activity, relatesInbox, relatesOutbox)
	case types.TypeCreate:
		return p.handleCreate(ctx, sender, forwarder, activity, relatesInbox)
	case types.TypeUpdate:
		return p.handleUpdate(ctx, sender, activity)
	case types.TypeDelete:
		return p.handleDelete(ctx, sender, activity, relatesInbox)
	case types.TypeBlock:
		return p.handleBlock(ctx, sender, activity)
	case types.TypeMove:
		return p.handleMove(ctx, sender, activity)
	}
	return nil
}

// checkForwarded returns the copy of raw that can be trusted: raw itself when its
// Linked-Data signature is valid, the origin's copy otherwise.
func (p *Processor) checkForwarded(ctx context.Context, sender types.Actor, raw *types.RawApObj) (*types.RawApObj, error) {
	if p.ldsigner != nil {
		if creator := raw.MustGetString("signature.creator"); creator != "" {
			key, err := p.directory.FetchKey(ctx, creator, false)
			if err == nil && key.OwnerID == sender.ApID {
				ok, err := p.ldsigner.Verify(ctx, raw, p.directory)
				if err == nil && ok {
					return raw, nil
				}
				p.logger.Info("invalid LD signature", zap.String("id", raw.ID()), zap.Error(err))
			}
		}
	}

	id := raw.ID()
	if id == "" {
		return nil, drop("forwarded activity without id cannot be verified")
	}
	fetched, err := p.client.Fetch(ctx, id, true)
	if err != nil {
		if types.IsFetchMiss(err) {
			return nil, drop("forwarded activity %s cannot be fetched: %v", id, err)
		}
		return nil, err
	}
	// transient activities such as Like resolve to something else
	if fetched.ID() != id {
		return nil, drop("forwarded activity %s is not fetchable", id)
	}
	if fetched.ActorID() != sender.ApID {
		return nil, drop("forwarded activity %s belongs to %s", id, fetched.ActorID())
	}
	return fetched, nil
}

func (p *Processor) updateActor(ctx context.Context, doc *types.RawApObj) error {
	known, err := p.store.GetActorByApID(ctx, doc.ID())
	if err != nil {
		if store.IsNotFound(err) {
			_, err = p.directory.SaveActor(ctx, doc)
		}
		return err
	}
	_, _, err = p.directory.UpdateIfNeeded(ctx, known, doc)
	return err
}

// deleteGoneActor applies a self Delete. The actor document is fetched again past every
// cache and only a 410 or 404 (or a Tombstone) lets the delete through.
func (p *Processor) deleteGoneActor(ctx context.Context, actorID string) error {
	p.directory.Forget(actorID)
	doc, err := p.client.Fetch(ctx, actorID, true)
	switch {
	case err == nil && doc.Type() != types.TypeTombstone:
		p.logger.Warn("delete of an actor that is still live", zap.String("actor", actorID))
		return drop("actor %s still resolves", actorID)
	case err != nil && !errors.Is(err, types.ErrObjectIsGone) && !errors.Is(err, types.ErrObjectNotFound):
		return errors.Wrapf(err, "failed to confirm deletion of %s", actorID)
	}

	known, err := p.store.GetActorByApID(ctx, actorID)
	if err != nil {
		if store.IsNotFound(err) {
			return drop("delete of unknown actor %s", actorID)
		}
		return err
	}
	if known.IsDeleted {
		return drop("actor %s is already deleted", actorID)
	}
	p.logger.Info("deleting actor", zap.String("actor", actorID))
	return p.directory.Tombstone(ctx, known)
}

func (p *Processor) notify(ctx context.Context, typ types.NotificationType, sender types.Actor, activity *types.InboxObject, outboxID *uint) error {
	n := types.Notification{
		NotificationType: typ,
		ActorID:          &sender.ID,
		OutboxObjectID:   outboxID,
	}
	if activity != nil {
		n.InboxObjectID = &activity.ID
	}
	return p.store.CreateNotification(ctx, n)
}

func (p *Processor) isFollowing(ctx context.Context, actorID uint) (bool, error) {
	_, err := p.store.GetFollowingByActorID(ctx, actorID)
	if err == nil {
		return true, nil
	}
	if store.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

func (p *Processor) handleFollow(ctx context.Context, sender types.Actor, follow types.InboxObject) error {
	if target := follow.ApObject.ObjectID(); target != p.config.ActorID() {
		return drop("follow of %s", target)
	}

	err := p.store.UpsertFollower(ctx, types.Follower{
		ActorID:       sender.ID,
		ApActorID:     sender.ApID,
		InboxObjectID: follow.ID,
	})
	if err != nil {
		return errors.Wrap(err, "failed to save follower")
	}

	if _, err := p.composer.SendAccept(ctx, follow); err != nil {
		return errors.Wrap(err, "failed to accept follow")
	}

	p.logger.Info("new follower", zap.String("actor", sender.ApID))
	return p.notify(ctx, types.NotificationNewFollower, sender, &follow, nil)
}

func (p *Processor) handleUndo(ctx context.Context, sender types.Actor, undo types.InboxObject, target *types.InboxObject) error {
	if target == nil {
		return drop("undo of unknown activity %s", undo.ApObject.ObjectID())
	}
	if target.ActorID != sender.ID {
		p.logger.Warn("actor mismatch between undo and its object",
			zap.String("actor", sender.ApID), zap.String("object", target.ApID))
		return drop("undo of %s by %s", target.ApID, sender.ApID)
	}
	if target.UndoneByInboxObjectID != nil {
		return drop("%s is already undone", target.ApID)
	}

	target.UndoneByInboxObjectID = &undo.ID
	target.IsDeleted = true
	if _, err := p.store.UpdateInboxObject(ctx, *target); err != nil {
		return err
	}

	switch target.ApType {
	case types.TypeFollow:
		follower, err := p.store.GetFollowerByActorID(ctx, sender.ID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil
			}
			return err
		}
		// a later Follow replaced this one
		if follower.InboxObjectID != target.ID {
			return nil
		}
		if _, err := p.store.DeleteFollower(ctx, sender.ID); err != nil {
			return err
		}
		return p.notify(ctx, types.NotificationUnfollow, sender, nil, nil)

	case types.TypeLike:
		return p.revertCounter(ctx, sender, target, store.LikesCount, types.NotificationUndoLike)

	case types.TypeAnnounce:
		return p.revertCounter(ctx, sender, target, store.AnnouncesCount, types.NotificationUndoAnnounce)

	case types.TypeBlock:
		return p.notify(ctx, types.NotificationUnblocked, sender, target, nil)

	default:
		p.logger.Info("nothing to undo", zap.String("type", string(target.ApType)))
	}
	return nil
}

func (p *Processor) revertCounter(ctx context.Context, sender types.Actor, target *types.InboxObject, counter store.Counter, typ types.NotificationType) error {
	switch {
	case target.RelatesToOutboxObjectID != nil:
		if err := p.store.AdjustOutboxCounter(ctx, *target.RelatesToOutboxObjectID, counter, -1); err != nil {
			return err
		}
		return p.notify(ctx, typ, sender, target, target.RelatesToOutboxObjectID)
	case target.RelatesToInboxObjectID != nil:
		return p.store.AdjustInboxCounter(ctx, *target.RelatesToInboxObjectID, counter, -1)
	}
	return nil
}

func (p *Processor) handleAcceptReject(ctx context.Context, sender types.Actor, activity types.InboxObject, follow *types.OutboxObject) error {
	if follow == nil || follow.ApType != types.TypeFollow {
		return drop("%s of unknown follow %s", activity.ApType, activity.ApObject.ObjectID())
	}
	if follow.RelatesToActorID == nil || *follow.RelatesToActorID != sender.ID {
		return drop("%s of %s by %s", activity.ApType, follow.ApID, sender.ApID)
	}

	if activity.ApType == types.TypeReject {
		if _, err := p.store.DeleteFollowing(ctx, sender.ID); err != nil {
			return err
		}
		return p.notify(ctx, types.NotificationFollowRequestRejected, sender, &activity, &follow.ID)
	}

	following, err := p.isFollowing(ctx, sender.ID)
	if err != nil {
		return err
	}
	if !following {
		err := p.store.CreateFollowing(ctx, types.Following{
			ActorID:        sender.ID,
			OutboxObjectID: follow.ID,
			ApActorID:      sender.ApID,
		})
		if err != nil {
			return errors.Wrap(err, "failed to save following")
		}
	}
	return p.notify(ctx, types.NotificationFollowRequestAccepted, sender, &activity, &follow.ID)
}

func (p *Processor) handleLike(ctx context.Context, sender types.Actor, like types.InboxObject, relatesInbox *types.InboxObject, relatesOutbox *types.OutboxObject) error {
	switch {
	case relatesOutbox != nil:
		if err := p.store.AdjustOutboxCounter(ctx, relatesOutbox.ID, store.LikesCount, 1); err != nil {
			return err
		}
		return p.notify(ctx, types.NotificationLike, sender, &like, &relatesOutbox.ID)

	case relatesInbox != nil:
		return p.store.AdjustInboxCounter(ctx, relatesInbox.ID, store.LikesCount, 1)
	}

	return p.relateUnknown(ctx, &like, store.LikesCount)
}

func (p *Processor) handleAnnounce(ctx context.Context, sender types.Actor, announce types.InboxObject, relatesInbox *types.InboxObject, relatesOutbox *types.OutboxObject) error {
	if relatesOutbox != nil {
		if err := p.store.AdjustOutboxCounter(ctx, relatesOutbox.ID, store.AnnouncesCount, 1); err != nil {
			return err
		}
		return p.notify(ctx, types.NotificationAnnounce, sender, &announce, &relatesOutbox.ID)
	}

	following, err := p.isFollowing(ctx, sender.ID)
	if err != nil {
		return err
	}
	if following {
		announce.IsHiddenFromStream = false
		if announce, err = p.store.UpdateInboxObject(ctx, announce); err != nil {
			return err
		}
	}

	if relatesInbox != nil {
		return p.store.AdjustInboxCounter(ctx, relatesInbox.ID, store.AnnouncesCount, 1)
	}
	return p.relateUnknown(ctx, &announce, store.AnnouncesCount)
}

// relateUnknown fetches the remote object activity points at and stores it hidden.
func (p *Processor) relateUnknown(ctx context.Context, activity *types.InboxObject, counter store.Counter) error {
	objectID := activity.ApObject.ObjectID()
	if objectID == "" || p.config.IsLocal(objectID) {
		return drop("%s of unknown object %q", activity.ApType, objectID)
	}

	object, err := p.composer.SaveRemoteObject(ctx, objectID)
	if err != nil {
		if types.IsFetchMiss(err) || errors.Is(err, types.ErrActorMismatch) || errors.Is(err, types.ErrNotAnActor) {
			p.logger.Info("object is unavailable", zap.String("object", objectID), zap.Error(err))
			return nil
		}
		return err
	}

	activity.RelatesToInboxObjectID = &object.ID
	if _, err := p.store.UpdateInboxObject(ctx, *activity); err != nil {
		return err
	}
	return p.store.AdjustInboxCounter(ctx, object.ID, counter, 1)
}

func (p *Processor) handleCreate(ctx context.Context, sender types.Actor, forwarder *types.Actor, create types.InboxObject, existing *types.InboxObject) error {
	if existing != nil {
		p.logger.Info("object is already in the inbox", zap.String("object", existing.ApID))
		return nil
	}

	wrapped, ok := create.ApObject.Object()
	if !ok {
		objectID := create.ApObject.ObjectID()
		if objectID == "" {
			return drop("create without object")
		}
		fetched, err := p.client.Fetch(ctx, objectID, false)
		if err != nil {
			if types.IsFetchMiss(err) {
				return drop("created object %s cannot be fetched: %v", objectID, err)
			}
			return err
		}
		wrapped = fetched
	}

	if wrapped.ActorID() != sender.ApID {
		p.logger.Warn("actor mismatch between create and its object",
			zap.String("actor", sender.ApID), zap.String("attributedTo", wrapped.ActorID()))
		return drop("object %s is not attributed to %s", wrapped.ID(), sender.ApID)
	}
	if !wrapped.Type().IsObject() {
		p.logger.Info("ignoring create of unsupported object", zap.String("type", string(wrapped.Type())))
		return nil
	}

	object := types.NewInboxObject(wrapped, sender)
	object.RelatesToInboxObjectID = &create.ID
	object.HasLocalMention = p.mentionsLocalActor(wrapped)

	following, err := p.isFollowing(ctx, sender.ID)
	if err != nil {
		return err
	}
	object.IsHiddenFromStream = !following

	var localParent *types.OutboxObject
	var vote bool
	if object.InReplyTo != nil {
		parentID := *object.InReplyTo
		if p.config.IsLocal(parentID) {
			parent, err := p.store.GetOutboxObjectByApID(ctx, parentID)
			if err == nil {
				localParent = &parent
				if object.Conversation == nil {
					conv := outboxConversation(parent)
					object.Conversation = &conv
				}
				// poll answers are counted as votes, not replies
				vote = parent.ApType == types.TypeQuestion && wrapped.MustGetString("name") != ""
				if vote {
					object.IsTransient = true
					object.IsHiddenFromStream = true
				} else if err := p.store.AdjustOutboxCounter(ctx, parent.ID, store.RepliesCount, 1); err != nil {
					return err
				}
			} else if !store.IsNotFound(err) {
				return err
			}
		} else {
			parent, err := p.store.GetInboxObjectByApID(ctx, parentID)
			if err == nil {
				if object.Conversation == nil {
					conv := inboxConversation(parent)
					object.Conversation = &conv
				}
				if err := p.store.AdjustInboxCounter(ctx, parent.ID, store.RepliesCount, 1); err != nil {
					return err
				}
			} else if !store.IsNotFound(err) {
				return err
			}
		}
	}
	if object.Conversation == nil {
		conv := object.ApID
		if object.InReplyTo != nil {
			conv = *object.InReplyTo
		}
		object.Conversation = &conv
	}

	saved, err := p.store.CreateInboxObject(ctx, object)
	if err != nil {
		return errors.Wrap(err, "failed to save object")
	}

	create.RelatesToInboxObjectID = &saved.ID
	if _, err := p.store.UpdateInboxObject(ctx, create); err != nil {
		return err
	}

	if vote {
		return p.handleVote(ctx, sender, saved, *localParent)
	}

	if saved.HasLocalMention {
		if err := p.notify(ctx, types.NotificationMention, sender, &saved, nil); err != nil {
			return err
		}
	}

	// replies to local posts reach our followers only through us
	if localParent != nil && localParent.ApType != types.TypeQuestion {
		if _, signed := create.ApObject.GetRaw("signature"); signed {
			skip := []string{sender.DeliveryInbox()}
			if forwarder != nil {
				skip = append(skip, forwarder.DeliveryInbox())
			}
			if err := p.composer.Forward(ctx, create, skip...); err != nil {
				return err
			}
		}
	}
	return nil
}

func outboxConversation(o types.OutboxObject) string {
	if o.Conversation != nil && *o.Conversation != "" {
		return *o.Conversation
	}
	return o.ApID
}

func inboxConversation(o types.InboxObject) string {
	if o.Conversation != nil && *o.Conversation != "" {
		return *o.Conversation
	}
	return o.ApID
}

// mentionsLocalActor looks for a Mention tag or a link to the local actor in the content.
func (p *Processor) mentionsLocalActor(obj *types.RawApObj) bool {
	for _, tag := range obj.Tags() {
		if tag.MustGetString("href") == p.config.ActorID() || tag.MustGetString("name") == p.config.Handle() {
			return true
		}
	}
	html, ok := obj.GetString("content")
	if !ok {
		return false
	}
	return slices.Contains(content.Links(html), p.config.ActorID())
}

func (p *Processor) handleUpdate(ctx context.Context, sender types.Actor, update types.InboxObject) error {
	wrapped, ok := update.ApObject.Object()
	if !ok {
		return drop("update without embedded object")
	}

	switch {
	case wrapped.Type().IsActor():
		if wrapped.ID() != sender.ApID {
			return drop("actor %s cannot update %s", sender.ApID, wrapped.ID())
		}
		_, _, err := p.directory.UpdateIfNeeded(ctx, sender, wrapped)
		return err

	case wrapped.Type().IsObject():
		existing, err := p.store.GetInboxObjectByApID(ctx, wrapped.ID())
		if err != nil {
			if store.IsNotFound(err) {
				p.logger.Info("updated object is not in the inbox", zap.String("object", wrapped.ID()))
				return nil
			}
			return err
		}
		if existing.ActorID != sender.ID {
			p.logger.Warn("actor mismatch between update and its object",
				zap.String("actor", sender.ApID), zap.String("object", existing.ApID))
			return drop("update of %s by %s", existing.ApID, sender.ApID)
		}
		existing.ApObject = *wrapped
		_, err = p.store.UpdateInboxObject(ctx, existing)
		return err
	}

	p.logger.Info("cannot update object", zap.String("type", string(wrapped.Type())))
	return nil
}

// handleVote records answer as a vote on the local question and republishes the totals.
func (p *Processor) handleVote(ctx context.Context, sender types.Actor, answer types.InboxObject, question types.OutboxObject) error {
	name := answer.ApObject.MustGetString("name")

	poll, ok := question.ApObject.Poll()
	if !ok {
		p.logger.Warn("question without options", zap.String("question", question.ApID))
		return nil
	}
	if question.IsDeleted || question.ApObject.PollClosed(time.Now()) {
		p.logger.Info("vote on a closed poll", zap.String("question", question.ApID), zap.String("actor", sender.ApID))
		return nil
	}
	if !poll.Has(name) {
		p.logger.Info("vote for an unknown option", zap.String("question", question.ApID), zap.String("name", name))
		return nil
	}

	if poll.Kind == types.PollOneOf {
		answers, err := p.store.GetPollAnswers(ctx, question.ID)
		if err != nil {
			return err
		}
		for _, a := range answers {
			if a.ActorID == sender.ID {
				p.logger.Info("second vote on a single choice poll",
					zap.String("question", question.ApID), zap.String("actor", sender.ApID))
				return nil
			}
		}
	}

	created, err := p.store.CreatePollAnswer(ctx, types.PollAnswer{
		OutboxObjectID: question.ID,
		ActorID:        sender.ID,
		Name:           name,
		PollType:       poll.Kind,
		InboxObjectID:  answer.ID,
	})
	if err != nil {
		return errors.Wrap(err, "failed to save poll answer")
	}
	if !created {
		return nil
	}
	return p.composer.TallyPoll(ctx, question)
}

func (p *Processor) handleDelete(ctx context.Context, sender types.Actor, del types.InboxObject, target *types.InboxObject) error {
	objectID := del.ApObject.ObjectID()

	if target == nil {
		if _, err := p.store.GetActorByApID(ctx, objectID); err == nil {
			p.logger.Warn("actor deleted by someone else",
				zap.String("actor", sender.ApID), zap.String("object", objectID))
			return drop("delete of actor %s by %s", objectID, sender.ApID)
		}
		p.logger.Info("delete of unknown object", zap.String("object", objectID))
		return nil
	}

	if target.ActorID != sender.ID {
		p.logger.Warn("actor mismatch between delete and its object",
			zap.String("actor", sender.ApID), zap.String("object", target.ApID))
		return drop("delete of %s by %s", target.ApID, sender.ApID)
	}
	if target.IsDeleted {
		return nil
	}

	target.IsDeleted = true
	if _, err := p.store.UpdateInboxObject(ctx, *target); err != nil {
		return err
	}

	// votes never counted as replies
	if target.InReplyTo == nil || target.IsTransient {
		return nil
	}
	parentID := *target.InReplyTo
	if p.config.IsLocal(parentID) {
		parent, err := p.store.GetOutboxObjectByApID(ctx, parentID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil
			}
			return err
		}
		return p.store.AdjustOutboxCounter(ctx, parent.ID, store.RepliesCount, -1)
	}
	parent, err := p.store.GetInboxObjectByApID(ctx, parentID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}
	return p.store.AdjustInboxCounter(ctx, parent.ID, store.RepliesCount, -1)
}

func (p *Processor) handleBlock(ctx context.Context, sender types.Actor, block types.InboxObject) error {
	if target := block.ApObject.ObjectID(); target != p.config.ActorID() {
		return drop("block of %s", target)
	}
	p.logger.Info("blocked by remote actor", zap.String("actor", sender.ApID))
	return p.notify(ctx, types.NotificationBlocked, sender, &block, nil)
}

func (p *Processor) handleMove(ctx context.Context, sender types.Actor, move types.InboxObject) error {
	if origin := move.ApObject.ObjectID(); origin != sender.ApID {
		return drop("move of %s by %s", origin, sender.ApID)
	}
	targets := move.ApObject.GetList("target")
	if len(targets) == 0 {
		return drop("move without target")
	}

	moved, err := p.directory.Fetch(ctx, targets[0])
	if err != nil {
		if types.IsFetchMiss(err) || errors.Is(err, types.ErrNotAnActor) || errors.Is(err, types.ErrActorMismatch) {
			return drop("move target %s is unavailable: %v", targets[0], err)
		}
		return err
	}
	if !slices.Contains(moved.ApActor.GetList("alsoKnownAs"), sender.ApID) {
		return drop("%s has no alias for %s", moved.ApID, sender.ApID)
	}

	following, err := p.store.GetFollowingByActorID(ctx, sender.ID)
	if err != nil {
		if store.IsNotFound(err) {
			p.logger.Info("not following the moved actor", zap.String("actor", sender.ApID))
			return nil
		}
		return err
	}

	follow, err := p.store.GetOutboxObjectByID(ctx, following.OutboxObjectID)
	if err != nil {
		return err
	}
	if _, err := p.composer.SendUndo(ctx, follow.ApID); err != nil {
		return errors.Wrap(err, "failed to unfollow moved actor")
	}

	alreadyFollowing, err := p.isFollowing(ctx, moved.ID)
	if err != nil {
		return err
	}
	if !alreadyFollowing {
		if _, err := p.composer.SendFollow(ctx, moved.ApID); err != nil {
			return errors.Wrap(err, "failed to follow move target")
		}
	}

	return p.notify(ctx, types.NotificationMove, moved, &move, nil)
}

func hostOf(id string) string {
	u, err := url.Parse(id)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
