package outbox

import (
	"context"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/concrnt/apnode/actor"
	"github.com/concrnt/apnode/content"
	"github.com/concrnt/apnode/store"
	"github.com/concrnt/apnode/types"
	"github.com/concrnt/apnode/waker"
)

var tracer = otel.Tracer("outbox")

var (
	ErrAlreadyUndone   = errors.New("activity is already undone")
	ErrNotUndoable     = errors.New("activity cannot be undone")
	ErrAlreadyDone     = errors.New("object was already acted on")
	ErrNoRecipients    = errors.New("direct post without recipients")
	ErrLocalObject     = errors.New("local objects cannot be liked or announced")
	ErrNotShareable    = errors.New("object is not public")
	ErrInvalidPostType = errors.New("invalid post type")
)

const defaultPollDuration = 24 * time.Hour

// Composer builds activities authored by the local actor, stores them and queues their delivery.
type Composer struct {
	store     *store.Store
	directory *actor.Directory
	resolver  *Resolver
	client    Client
	waker     waker.Waker
	config    types.ApConfig
	logger    *zap.Logger
	now       func() time.Time
}

func NewComposer(
	store *store.Store,
	directory *actor.Directory,
	client Client,
	waker waker.Waker,
	config types.ApConfig,
	logger *zap.Logger,
) *Composer {
	return &Composer{
		store:     store,
		directory: directory,
		resolver:  NewResolver(store, directory, client, config, logger),
		client:    client,
		waker:     waker,
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
}

// WithStore returns a copy of the composer bound to s.
func (c *Composer) WithStore(s *store.Store) *Composer {
	clone := *c
	clone.store = s
	clone.directory = c.directory.WithStore(s)
	clone.resolver = c.resolver.WithStore(s)
	return &clone
}

// Resolver exposes the recipient resolver used for deliveries.
func (c *Composer) Resolver() *Resolver {
	return c.resolver
}

// inTransaction runs fn atomically and wakes the delivery workers once it committed.
// When c is already bound to a transaction, fn runs in a savepoint.
func (c *Composer) inTransaction(ctx context.Context, fn func(tx *Composer) error) error {
	err := c.store.Transaction(ctx, func(tx *store.Store) error {
		return fn(c.WithStore(tx))
	})
	if err != nil {
		return err
	}
	if c.waker != nil {
		c.waker.Notify(ctx, waker.QueueOutgoing)
	}
	return nil
}

func newPublicID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (c *Composer) newActivity(typ types.ApType) (string, map[string]any) {
	publicID := newPublicID()
	return publicID, map[string]any{
		"@context": types.ActivityStreamsContext,
		"id":       c.config.ObjectURL(publicID),
		"type":     string(typ),
		"actor":    c.config.ActorID(),
	}
}

// save persists doc as an outbox object. The document is normalized through JSON first,
// so everything read back from it sees the same shapes a remote server would.
func (c *Composer) save(ctx context.Context, publicID string, doc map[string]any, fill func(o *types.OutboxObject)) (types.OutboxObject, error) {
	obj := types.NewRawApObj(doc).Clone()
	object := types.OutboxObject{
		PublicID:   publicID,
		ApID:       obj.ID(),
		ApType:     obj.Type(),
		ApObject:   *obj,
		Visibility: types.ObjectVisibility(obj, c.config.FollowersURL()),
		InReplyTo:  obj.InReplyTo(),
	}
	if id := obj.ObjectID(); id != "" {
		object.ActivityObjectApID = &id
	}
	if fill != nil {
		fill(&object)
	}
	return c.store.CreateOutboxObject(ctx, object)
}

// enqueue creates one delivery task per distinct inbox.
func (c *Composer) enqueue(ctx context.Context, object types.OutboxObject, inboxes []string) error {
	now := c.now()
	seen := map[string]bool{}
	for _, inbox := range inboxes {
		if inbox == "" || seen[inbox] {
			continue
		}
		seen[inbox] = true
		_, err := c.store.CreateOutgoingActivity(ctx, types.OutgoingActivity{
			Recipient:      inbox,
			OutboxObjectID: &object.ID,
			NextTry:        now,
		})
		if err != nil {
			return errors.Wrapf(err, "failed to queue delivery to %s", inbox)
		}
	}
	c.logger.Debug("queued deliveries",
		zap.String("object", object.ApID), zap.Int("recipients", len(seen)))
	return nil
}

func notFound(err error, id string) error {
	if store.IsNotFound(err) {
		return errors.Wrap(types.ErrObjectNotFound, id)
	}
	return err
}

func embed(obj types.RawApObj) map[string]any {
	inner := obj.Clone()
	inner.Delete("@context")
	return inner.GetData()
}

// SendFollow follows a remote actor.
func (c *Composer) SendFollow(ctx context.Context, actorID string) (string, error) {
	ctx, span := tracer.Start(ctx, "Outbox.Composer.SendFollow")
	defer span.End()

	var publicID string
	err := c.inTransaction(ctx, func(tx *Composer) error {
		target, err := tx.directory.Fetch(ctx, actorID)
		if err != nil {
			return err
		}
		if target.IsDeleted {
			return errors.Wrap(types.ErrObjectIsGone, actorID)
		}

		id, doc := tx.newActivity(types.TypeFollow)
		doc["object"] = target.ApID

		follow, err := tx.save(ctx, id, doc, func(o *types.OutboxObject) {
			o.RelatesToActorID = &target.ID
		})
		if err != nil {
			return err
		}
		publicID = id
		return tx.enqueue(ctx, follow, []string{target.InboxURL})
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return publicID, nil
}

// SendUndo reverts one of the local actor's Follow, Like, Announce or Block activities.
func (c *Composer) SendUndo(ctx context.Context, apID string) (string, error) {
	ctx, span := tracer.Start(ctx, "Outbox.Composer.SendUndo")
	defer span.End()

	var publicID string
	err := c.inTransaction(ctx, func(tx *Composer) error {
		original, err := tx.store.GetOutboxObjectByApID(ctx, apID)
		if err != nil {
			return notFound(err, apID)
		}
		switch original.ApType {
		case types.TypeFollow, types.TypeLike, types.TypeAnnounce, types.TypeBlock:
		default:
			return errors.Wrapf(ErrNotUndoable, "%s is a %s", apID, original.ApType)
		}
		if original.UndoneByOutboxObjectID != nil {
			return errors.Wrap(ErrAlreadyUndone, apID)
		}

		id, doc := tx.newActivity(types.TypeUndo)
		doc["object"] = embed(original.ApObject)

		to := original.ApObject.GetList("to")
		if len(to) == 0 && original.ActivityObjectApID != nil {
			to = []string{*original.ActivityObjectApID}
		}
		doc["to"] = to
		if cc := original.ApObject.GetList("cc"); len(cc) > 0 {
			doc["cc"] = cc
		}

		undo, err := tx.save(ctx, id, doc, func(o *types.OutboxObject) {
			o.RelatesToOutboxObjectID = &original.ID
		})
		if err != nil {
			return err
		}

		original.UndoneByOutboxObjectID = &undo.ID
		if _, err := tx.store.UpdateOutboxObject(ctx, original); err != nil {
			return err
		}

		if err := tx.revert(ctx, original); err != nil {
			return err
		}

		inboxes, err := tx.resolver.Resolve(ctx, &undo.ApObject)
		if err != nil {
			return err
		}
		publicID = id
		return tx.enqueue(ctx, undo, inboxes)
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return publicID, nil
}

// revert rolls back the local side effects of an undone activity.
func (c *Composer) revert(ctx context.Context, original types.OutboxObject) error {
	switch original.ApType {
	case types.TypeFollow:
		if original.RelatesToActorID != nil {
			_, err := c.store.DeleteFollowing(ctx, *original.RelatesToActorID)
			return err
		}

	case types.TypeLike, types.TypeAnnounce:
		if original.RelatesToInboxObjectID == nil {
			return nil
		}
		target, err := c.store.GetInboxObjectByID(ctx, *original.RelatesToInboxObjectID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil
			}
			return err
		}
		if original.ApType == types.TypeLike {
			target.LikedViaOutboxObjectApID = nil
		} else {
			target.AnnouncedViaOutboxObjectApID = nil
		}
		_, err = c.store.UpdateInboxObject(ctx, target)
		return err

	case types.TypeBlock:
		if original.RelatesToActorID == nil {
			return nil
		}
		blocked, err := c.store.GetActorByID(ctx, *original.RelatesToActorID)
		if err != nil {
			return err
		}
		blocked.IsBlocked = false
		if _, err := c.store.UpdateActor(ctx, blocked); err != nil {
			return err
		}
		return c.store.CreateNotification(ctx, types.Notification{
			NotificationType: types.NotificationUnblock,
			IsNew:            true,
			ActorID:          &blocked.ID,
		})
	}
	return nil
}

// SaveRemoteObject returns the stored copy of a remote object, fetching it if needed.
// Objects saved this way are hidden from the stream.
func (c *Composer) SaveRemoteObject(ctx context.Context, apID string) (types.InboxObject, error) {
	ctx, span := tracer.Start(ctx, "Outbox.Composer.SaveRemoteObject")
	defer span.End()

	existing, err := c.store.GetInboxObjectByApID(ctx, apID)
	if err == nil {
		return existing, nil
	}
	if !store.IsNotFound(err) {
		span.RecordError(err)
		return types.InboxObject{}, err
	}
	if c.config.IsLocal(apID) {
		return types.InboxObject{}, errors.Wrap(types.ErrObjectNotFound, apID)
	}

	doc, err := c.client.Fetch(ctx, apID, false)
	if err != nil {
		span.RecordError(err)
		return types.InboxObject{}, err
	}
	if !doc.Type().IsObject() {
		return types.InboxObject{}, errors.Wrapf(types.ErrNotAnObject, "%s is a %s", apID, doc.Type())
	}
	if doc.ID() != apID {
		// fetched through an alternate URL such as the HTML permalink
		if existing, err := c.store.GetInboxObjectByApID(ctx, doc.ID()); err == nil {
			return existing, nil
		}
	}

	author, err := c.directory.Fetch(ctx, doc.ActorID())
	if err != nil {
		span.RecordError(err)
		return types.InboxObject{}, err
	}
	if !sameHost(author.ApID, doc.ID()) {
		return types.InboxObject{}, errors.Wrapf(types.ErrActorMismatch, "%s is not attributable to %s", doc.ID(), author.ApID)
	}

	object := types.NewInboxObject(doc, author)
	object.IsHiddenFromStream = true
	saved, err := c.store.CreateInboxObject(ctx, object)
	if err != nil {
		span.RecordError(err)
		return types.InboxObject{}, err
	}
	saved.Actor = author
	return saved, nil
}

func (c *Composer) loadActor(ctx context.Context, object *types.InboxObject) error {
	if object.Actor.ID != 0 {
		return nil
	}
	a, err := c.store.GetActorByID(ctx, object.ActorID)
	if err != nil {
		return err
	}
	object.Actor = a
	return nil
}

// SendLike likes a remote object.
func (c *Composer) SendLike(ctx context.Context, apID string) (string, error) {
	ctx, span := tracer.Start(ctx, "Outbox.Composer.SendLike")
	defer span.End()

	var publicID string
	err := c.inTransaction(ctx, func(tx *Composer) error {
		if tx.config.IsLocal(apID) {
			return errors.Wrap(ErrLocalObject, apID)
		}
		target, err := tx.SaveRemoteObject(ctx, apID)
		if err != nil {
			return err
		}
		if target.LikedViaOutboxObjectApID != nil {
			return errors.Wrapf(ErrAlreadyDone, "%s is already liked", apID)
		}
		if err := tx.loadActor(ctx, &target); err != nil {
			return err
		}

		id, doc := tx.newActivity(types.TypeLike)
		doc["object"] = target.ApID
		doc["to"] = []string{target.Actor.ApID}

		like, err := tx.save(ctx, id, doc, func(o *types.OutboxObject) {
			o.RelatesToInboxObjectID = &target.ID
		})
		if err != nil {
			return err
		}

		target.LikedViaOutboxObjectApID = &like.ApID
		if _, err := tx.store.UpdateInboxObject(ctx, target); err != nil {
			return err
		}

		inboxes, err := tx.resolver.Resolve(ctx, &like.ApObject)
		if err != nil {
			return err
		}
		publicID = id
		return tx.enqueue(ctx, like, inboxes)
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return publicID, nil
}

// SendAnnounce boosts a public remote object to the local followers.
func (c *Composer) SendAnnounce(ctx context.Context, apID string) (string, error) {
	ctx, span := tracer.Start(ctx, "Outbox.Composer.SendAnnounce")
	defer span.End()

	var publicID string
	err := c.inTransaction(ctx, func(tx *Composer) error {
		if tx.config.IsLocal(apID) {
			return errors.Wrap(ErrLocalObject, apID)
		}
		target, err := tx.SaveRemoteObject(ctx, apID)
		if err != nil {
			return err
		}
		if target.Visibility != types.VisibilityPublic && target.Visibility != types.VisibilityUnlisted {
			return errors.Wrap(ErrNotShareable, apID)
		}
		if target.AnnouncedViaOutboxObjectApID != nil {
			return errors.Wrapf(ErrAlreadyDone, "%s is already announced", apID)
		}
		if err := tx.loadActor(ctx, &target); err != nil {
			return err
		}

		id, doc := tx.newActivity(types.TypeAnnounce)
		doc["object"] = target.ApID
		doc["to"] = []string{types.AsPublic}
		doc["cc"] = []string{tx.config.FollowersURL(), target.Actor.ApID}
		doc["published"] = tx.now().UTC().Format(time.RFC3339)

		announce, err := tx.save(ctx, id, doc, func(o *types.OutboxObject) {
			o.RelatesToInboxObjectID = &target.ID
		})
		if err != nil {
			return err
		}

		target.AnnouncedViaOutboxObjectApID = &announce.ApID
		if _, err := tx.store.UpdateInboxObject(ctx, target); err != nil {
			return err
		}

		inboxes, err := tx.resolver.Resolve(ctx, &announce.ApObject)
		if err != nil {
			return err
		}
		publicID = id
		return tx.enqueue(ctx, announce, inboxes)
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return publicID, nil
}

// CreateParams describes a new local post.
type CreateParams struct {
	Source         string
	Visibility     types.Visibility
	InReplyTo      *string
	ContentWarning string
	Sensitive      bool

	// Type defaults to Note. Articles need a Name, Questions need PollOptions.
	Type         types.ApType
	Name         string
	PollOptions  []string
	PollMultiple bool
	PollEndsIn   time.Duration
}

// SendCreate publishes a new post and returns its public id.
func (c *Composer) SendCreate(ctx context.Context, p CreateParams) (string, error) {
	ctx, span := tracer.Start(ctx, "Outbox.Composer.SendCreate")
	defer span.End()

	if p.Type == "" {
		p.Type = types.TypeNote
	}
	switch p.Type {
	case types.TypeNote, types.TypeArticle, types.TypeQuestion:
	default:
		return "", errors.Wrap(ErrInvalidPostType, string(p.Type))
	}
	if p.Type == types.TypeQuestion && len(p.PollOptions) < 2 {
		return "", errors.Wrap(ErrInvalidPostType, "a poll needs at least two options")
	}
	if _, ok := types.ParseVisibility(string(p.Visibility)); !ok {
		return "", errors.Errorf("invalid visibility %q", p.Visibility)
	}

	var publicID string
	err := c.inTransaction(ctx, func(tx *Composer) error {
		rendered := content.Render(ctx, p.Source, tx.resolveMention, tx.config)

		mentions := rendered.Mentions
		tags := rendered.Tags

		var conversation string
		if p.InReplyTo != nil && *p.InReplyTo != "" {
			parentAuthor, conv, err := tx.attachReply(ctx, *p.InReplyTo)
			if err != nil {
				return err
			}
			conversation = conv
			if parentAuthor.ApID != "" && !slices.Contains(mentions, parentAuthor.ApID) {
				mentions = append(mentions, parentAuthor.ApID)
				tags = append(tags, types.Tag{Type: "Mention", Name: parentAuthor.Handle, Href: parentAuthor.ApID})
			}
		}

		to, cc, err := tx.audience(p.Visibility, mentions)
		if err != nil {
			return err
		}

		publicID = newPublicID()
		apID := tx.config.ObjectURL(publicID)
		if conversation == "" {
			conversation = apID
		}
		now := tx.now().UTC()

		doc := map[string]any{
			"@context": []any{
				types.ActivityStreamsContext,
				map[string]any{
					"Hashtag":      "as:Hashtag",
					"sensitive":    "as:sensitive",
					"conversation": "ostatus:conversation",
					"ostatus":      "http://ostatus.org#",
				},
			},
			"id":           apID,
			"type":         string(p.Type),
			"attributedTo": tx.config.ActorID(),
			"content":      rendered.HTML,
			"published":    now.Format(time.RFC3339),
			"url":          apID,
			"to":           to,
			"cc":           cc,
			"tag":          tags,
			"sensitive":    p.Sensitive || p.ContentWarning != "",
			"conversation": conversation,
			"source": map[string]any{
				"content":   p.Source,
				"mediaType": "text/markdown",
			},
		}
		if p.InReplyTo != nil && *p.InReplyTo != "" {
			doc["inReplyTo"] = *p.InReplyTo
		}
		if p.ContentWarning != "" {
			doc["summary"] = p.ContentWarning
		}

		switch p.Type {
		case types.TypeArticle:
			doc["name"] = p.Name
		case types.TypeQuestion:
			options := make([]any, 0, len(p.PollOptions))
			for _, option := range p.PollOptions {
				options = append(options, map[string]any{
					"type":    string(types.TypeNote),
					"name":    option,
					"replies": map[string]any{"type": string(types.TypeCollection), "totalItems": 0},
				})
			}
			key := "oneOf"
			if p.PollMultiple {
				key = "anyOf"
			}
			doc[key] = options
			endsIn := p.PollEndsIn
			if endsIn <= 0 {
				endsIn = defaultPollDuration
			}
			doc["endTime"] = now.Add(endsIn).Format(time.RFC3339)
			doc["votersCount"] = 0
		}

		source := p.Source
		post, err := tx.save(ctx, publicID, doc, func(o *types.OutboxObject) {
			o.Source = &source
			o.Conversation = &conversation
		})
		if err != nil {
			return err
		}

		inboxes, err := tx.resolver.Resolve(ctx, &post.ApObject)
		if err != nil {
			return err
		}
		return tx.enqueue(ctx, post, inboxes)
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return publicID, nil
}

// attachReply bumps the reply counter of the parent and returns its author and conversation.
// The author is empty for local parents.
func (c *Composer) attachReply(ctx context.Context, parentID string) (types.Actor, string, error) {
	if c.config.IsLocal(parentID) {
		parent, err := c.store.GetOutboxObjectByApID(ctx, parentID)
		if err != nil {
			return types.Actor{}, "", notFound(err, parentID)
		}
		if err := c.store.AdjustOutboxCounter(ctx, parent.ID, store.RepliesCount, 1); err != nil {
			return types.Actor{}, "", err
		}
		return types.Actor{}, conversationOf(parent.Conversation, parent.ApID), nil
	}

	parent, err := c.SaveRemoteObject(ctx, parentID)
	if err != nil {
		return types.Actor{}, "", err
	}
	if err := c.loadActor(ctx, &parent); err != nil {
		return types.Actor{}, "", err
	}
	if err := c.store.AdjustInboxCounter(ctx, parent.ID, store.RepliesCount, 1); err != nil {
		return types.Actor{}, "", err
	}
	return parent.Actor, conversationOf(parent.Conversation, parent.ApID), nil
}

func conversationOf(conversation *string, fallback string) string {
	if conversation != nil && *conversation != "" {
		return *conversation
	}
	return fallback
}

// audience maps a visibility to the to and cc fields of a post.
func (c *Composer) audience(visibility types.Visibility, mentions []string) ([]string, []string, error) {
	followers := c.config.FollowersURL()
	switch visibility {
	case types.VisibilityPublic:
		return []string{types.AsPublic}, append([]string{followers}, mentions...), nil
	case types.VisibilityUnlisted:
		return []string{followers}, append([]string{types.AsPublic}, mentions...), nil
	case types.VisibilityFollowersOnly:
		return []string{followers}, append([]string{}, mentions...), nil
	case types.VisibilityDirect:
		if len(mentions) == 0 {
			return nil, nil, ErrNoRecipients
		}
		return append([]string{}, mentions...), []string{}, nil
	}
	return nil, nil, errors.Errorf("invalid visibility %q", visibility)
}

func (c *Composer) resolveMention(ctx context.Context, handle string) (string, error) {
	if strings.EqualFold(handle, c.config.Handle()) {
		return c.config.ActorID(), nil
	}
	id, err := c.client.ResolveActor(ctx, handle)
	if err != nil {
		return "", err
	}
	if _, err := c.directory.Fetch(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

// SendUpdate replaces the source of a local post and federates the edit.
func (c *Composer) SendUpdate(ctx context.Context, publicID string, source string) error {
	ctx, span := tracer.Start(ctx, "Outbox.Composer.SendUpdate")
	defer span.End()

	err := c.inTransaction(ctx, func(tx *Composer) error {
		post, err := tx.store.GetOutboxObjectByPublicID(ctx, publicID)
		if err != nil {
			return notFound(err, publicID)
		}
		if !post.ApType.IsObject() {
			return errors.Wrapf(ErrInvalidPostType, "%s is a %s", publicID, post.ApType)
		}
		if post.IsDeleted {
			return errors.Wrap(types.ErrObjectIsGone, publicID)
		}

		rendered := content.Render(ctx, source, tx.resolveMention, tx.config)
		post.ApObject.Set("content", rendered.HTML)
		post.ApObject.Set("tag", rendered.Tags)
		post.ApObject.Set("source", map[string]any{"content": source, "mediaType": "text/markdown"})
		post.ApObject.Set("updated", tx.now().UTC().Format(time.RFC3339))
		post.ApObject = *post.ApObject.Clone()
		post.Source = &source

		post, err = tx.store.UpdateOutboxObject(ctx, post)
		if err != nil {
			return err
		}
		_, err = tx.publishUpdate(ctx, post)
		return err
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// publishUpdate stores an Update of post as an activity of its own and queues it to everyone
// the post reached. Deliveries of the original Create still waiting keep their envelope.
func (c *Composer) publishUpdate(ctx context.Context, post types.OutboxObject) (types.OutboxObject, error) {
	id, doc := c.newActivity(types.TypeUpdate)
	doc["object"] = embed(post.ApObject)
	for _, key := range []string{"to", "cc"} {
		if v, ok := post.ApObject.GetData()[key]; ok {
			doc[key] = v
		}
	}

	update, err := c.save(ctx, id, doc, func(o *types.OutboxObject) {
		o.RelatesToOutboxObjectID = &post.ID
	})
	if err != nil {
		return types.OutboxObject{}, err
	}

	inboxes, err := c.resolver.Resolve(ctx, &post.ApObject)
	if err != nil {
		return types.OutboxObject{}, err
	}
	return update, c.enqueue(ctx, update, inboxes)
}

// SendDelete tombstones a local post and tells everyone who received it.
func (c *Composer) SendDelete(ctx context.Context, apID string) (string, error) {
	ctx, span := tracer.Start(ctx, "Outbox.Composer.SendDelete")
	defer span.End()

	var publicID string
	err := c.inTransaction(ctx, func(tx *Composer) error {
		post, err := tx.store.GetOutboxObjectByApID(ctx, apID)
		if err != nil {
			return notFound(err, apID)
		}
		if post.IsDeleted {
			return errors.Wrap(types.ErrObjectIsGone, apID)
		}

		id, doc := tx.newActivity(types.TypeDelete)
		doc["object"] = map[string]any{
			"type": string(types.TypeTombstone),
			"id":   post.ApID,
		}
		doc["to"] = post.ApObject.GetList("to")
		if cc := post.ApObject.GetList("cc"); len(cc) > 0 {
			doc["cc"] = cc
		}

		post.IsDeleted = true
		if _, err := tx.store.UpdateOutboxObject(ctx, post); err != nil {
			return err
		}
		if err := tx.detachReply(ctx, post.InReplyTo); err != nil {
			return err
		}

		del, err := tx.save(ctx, id, doc, func(o *types.OutboxObject) {
			o.RelatesToOutboxObjectID = &post.ID
		})
		if err != nil {
			return err
		}

		refs := append(del.ApObject.Recipients(), tx.config.FollowersURL())
		inboxes, err := tx.resolver.ResolveRefs(ctx, refs)
		if err != nil {
			return err
		}

		// everyone the post reached before, even if they since unfollowed
		previous, err := tx.store.GetOutgoingActivitiesByOutboxObject(ctx, post.ID)
		if err != nil {
			return err
		}
		for _, delivery := range previous {
			inboxes = append(inboxes, delivery.Recipient)
		}

		publicID = id
		return tx.enqueue(ctx, del, inboxes)
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return publicID, nil
}

func (c *Composer) detachReply(ctx context.Context, parentID *string) error {
	if parentID == nil {
		return nil
	}
	if c.config.IsLocal(*parentID) {
		parent, err := c.store.GetOutboxObjectByApID(ctx, *parentID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil
			}
			return err
		}
		return c.store.AdjustOutboxCounter(ctx, parent.ID, store.RepliesCount, -1)
	}
	parent, err := c.store.GetInboxObjectByApID(ctx, *parentID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}
	return c.store.AdjustInboxCounter(ctx, parent.ID, store.RepliesCount, -1)
}

// SendAccept accepts a received Follow.
func (c *Composer) SendAccept(ctx context.Context, follow types.InboxObject) (string, error) {
	ctx, span := tracer.Start(ctx, "Outbox.Composer.SendAccept")
	defer span.End()

	var publicID string
	err := c.inTransaction(ctx, func(tx *Composer) error {
		if err := tx.loadActor(ctx, &follow); err != nil {
			return err
		}

		id, doc := tx.newActivity(types.TypeAccept)
		doc["object"] = embed(follow.ApObject)
		doc["to"] = []string{follow.Actor.ApID}

		accept, err := tx.save(ctx, id, doc, func(o *types.OutboxObject) {
			o.RelatesToInboxObjectID = &follow.ID
		})
		if err != nil {
			return err
		}
		publicID = id
		return tx.enqueue(ctx, accept, []string{follow.Actor.InboxURL})
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return publicID, nil
}

// SendBlock blocks a remote actor and drops them from the followers.
func (c *Composer) SendBlock(ctx context.Context, actorID string) (string, error) {
	ctx, span := tracer.Start(ctx, "Outbox.Composer.SendBlock")
	defer span.End()

	var publicID string
	err := c.inTransaction(ctx, func(tx *Composer) error {
		target, err := tx.directory.Fetch(ctx, actorID)
		if err != nil {
			return err
		}
		if target.IsBlocked {
			return errors.Wrapf(ErrAlreadyDone, "%s is already blocked", actorID)
		}

		target.IsBlocked = true
		if _, err := tx.store.UpdateActor(ctx, target); err != nil {
			return err
		}
		if _, err := tx.store.DeleteFollower(ctx, target.ID); err != nil {
			return err
		}

		id, doc := tx.newActivity(types.TypeBlock)
		doc["object"] = target.ApID
		doc["to"] = []string{target.ApID}

		block, err := tx.save(ctx, id, doc, func(o *types.OutboxObject) {
			o.RelatesToActorID = &target.ID
		})
		if err != nil {
			return err
		}

		err = tx.store.CreateNotification(ctx, types.Notification{
			NotificationType: types.NotificationBlock,
			IsNew:            true,
			ActorID:          &target.ID,
			OutboxObjectID:   &block.ID,
		})
		if err != nil {
			return err
		}

		publicID = id
		return tx.enqueue(ctx, block, []string{target.InboxURL})
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return publicID, nil
}

func (c *Composer) GetInboxObjectByApID(ctx context.Context, apID string) (types.InboxObject, error) {
	ctx, span := tracer.Start(ctx, "Outbox.Composer.GetInboxObjectByApID")
	defer span.End()

	object, err := c.store.GetInboxObjectByApID(ctx, apID)
	return object, notFound(err, apID)
}

func (c *Composer) GetOutboxObjectByApID(ctx context.Context, apID string) (types.OutboxObject, error) {
	ctx, span := tracer.Start(ctx, "Outbox.Composer.GetOutboxObjectByApID")
	defer span.End()

	object, err := c.store.GetOutboxObjectByApID(ctx, apID)
	return object, notFound(err, apID)
}

func sameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Host != "" && strings.EqualFold(ua.Host, ub.Host)
}

// Forward relays a remote activity carrying a Linked-Data signature to the local followers.
// Inboxes in skip already have it.
func (c *Composer) Forward(ctx context.Context, activity types.InboxObject, skip ...string) error {
	ctx, span := tracer.Start(ctx, "Outbox.Composer.Forward")
	defer span.End()

	err := c.inTransaction(ctx, func(tx *Composer) error {
		inboxes, err := tx.resolver.ResolveRefs(ctx, []string{tx.config.FollowersURL()})
		if err != nil {
			return err
		}
		now := tx.now()
		for _, inbox := range inboxes {
			if slices.Contains(skip, inbox) {
				continue
			}
			_, err := tx.store.CreateOutgoingActivity(ctx, types.OutgoingActivity{
				Recipient:     inbox,
				InboxObjectID: &activity.ID,
				NextTry:       now,
			})
			if err != nil {
				return errors.Wrapf(err, "failed to queue forward to %s", inbox)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}
