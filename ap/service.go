package ap

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/concrnt/apnode/signature"
	"github.com/concrnt/apnode/store"
	"github.com/concrnt/apnode/types"
	"github.com/concrnt/apnode/waker"
)

const outboxPageSize = 20

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid resource")
)

type Service struct {
	store        *store.Store
	waker        waker.Waker
	info         types.NodeInfo
	config       types.ApConfig
	publicKeyPem string
	logger       *zap.Logger
}

func NewService(
	store *store.Store,
	waker waker.Waker,
	info types.NodeInfo,
	config types.ApConfig,
	publicKeyPem string,
	logger *zap.Logger,
) *Service {
	return &Service{
		store:        store,
		waker:        waker,
		info:         info,
		config:       config,
		publicKeyPem: publicKeyPem,
		logger:       logger,
	}
}

func (s *Service) WebFinger(ctx context.Context, resource string) (types.WebFinger, error) {
	_, span := tracer.Start(ctx, "Ap.Service.WebFinger")
	defer span.End()

	switch {
	case resource == s.config.ActorID():
	case strings.HasPrefix(resource, "acct:"):
		username, domain, ok := strings.Cut(strings.TrimPrefix(strings.TrimPrefix(resource, "acct:"), "@"), "@")
		if !ok {
			return types.WebFinger{}, ErrInvalidInput
		}
		if !strings.EqualFold(domain, s.config.FQDN) || !strings.EqualFold(username, s.config.Username) {
			return types.WebFinger{}, ErrNotFound
		}
	default:
		return types.WebFinger{}, ErrInvalidInput
	}

	return types.WebFinger{
		Subject: "acct:" + s.config.Username + "@" + s.config.FQDN,
		Aliases: []string{s.config.ActorID()},
		Links: []types.WebFingerLink{
			{
				Rel:  "http://webfinger.net/rel/profile-page",
				Type: "text/html",
				Href: s.config.ActorID(),
			},
			{
				Rel:  "self",
				Type: types.ActivityJSON,
				Href: s.config.ActorID(),
			},
		},
	}, nil
}

func (s *Service) NodeInfo(ctx context.Context) (types.NodeInfo, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.NodeInfo")
	defer span.End()

	posts, err := s.store.CountLocalPosts(ctx)
	if err != nil {
		span.RecordError(err)
		return types.NodeInfo{}, err
	}

	info := s.info
	info.Services = types.NodeInfoServices{Inbound: []string{}, Outbound: []string{}}
	info.Usage = types.NodeInfoUsage{
		Users:      types.NodeInfoUsers{Total: 1},
		LocalPosts: posts,
	}
	return info, nil
}

func (s *Service) NodeInfoWellKnown(ctx context.Context) (types.WellKnown, error) {
	_, span := tracer.Start(ctx, "Ap.Service.NodeInfoWellKnown")
	defer span.End()
	return types.WellKnown{
		Links: []types.WellKnownLink{
			{
				Rel:  "http://nodeinfo.diaspora.software/ns/schema/2.0",
				Href: s.config.BaseURL() + "/nodeinfo/2.0",
			},
		},
	}, nil
}

func (s *Service) HostMeta(ctx context.Context) string {
	_, span := tracer.Start(ctx, "Ap.Service.HostMeta")
	defer span.End()

	return `<?xml version="1.0" encoding="UTF-8"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Link rel="lrdd" type="application/xrd+xml" template="` + s.config.BaseURL() + `/.well-known/webfinger?resource={uri}"/>
</XRD>`
}

// Actor is the document of the local actor.
func (s *Service) Actor(ctx context.Context) types.ApObject {
	_, span := tracer.Start(ctx, "Ap.Service.Actor")
	defer span.End()

	person := types.ApObject{
		Context:           []string{types.ActivityStreamsContext, types.SecurityContext},
		Type:              string(types.TypePerson),
		ID:                s.config.ActorID(),
		Inbox:             s.config.InboxURL(),
		Outbox:            s.config.OutboxURL(),
		Followers:         s.config.FollowersURL(),
		Following:         s.config.FollowingURL(),
		Endpoints:         &types.PersonEndpoints{SharedInbox: s.config.InboxURL()},
		PreferredUsername: s.config.Username,
		Name:              s.config.Name,
		Summary:           s.config.Summary,
		URL:               s.config.ActorID(),
		Discoverable:      true,
		PublicKey: &types.Key{
			ID:           s.config.KeyID(),
			Type:         string(types.TypeKey),
			Owner:        s.config.ActorID(),
			PublicKeyPem: s.publicKeyPem,
		},
	}
	if s.config.IconURL != "" {
		person.Icon = &types.Icon{Type: "Image", URL: s.config.IconURL}
	}
	return person
}

// Object returns a public or unlisted outbox object by its public id. Deleted objects come
// back as a Tombstone together with ErrObjectIsGone.
func (s *Service) Object(ctx context.Context, publicID string) (*types.RawApObj, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.Object")
	defer span.End()

	object, err := s.store.GetOutboxObjectByPublicID(ctx, publicID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, ErrNotFound
		}
		span.RecordError(err)
		return nil, err
	}

	switch object.Visibility {
	case types.VisibilityPublic, types.VisibilityUnlisted:
	default:
		return nil, ErrNotFound
	}

	if object.IsDeleted {
		return types.NewRawApObj(map[string]any{
			"@context": types.ActivityStreamsContext,
			"id":       object.ApID,
			"type":     string(types.TypeTombstone),
		}), types.ErrObjectIsGone
	}
	return object.ApObject.Clone(), nil
}

// Activity returns the activity an outbox object was delivered in.
func (s *Service) Activity(ctx context.Context, publicID string) (*types.RawApObj, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.Activity")
	defer span.End()

	object, err := s.Object(ctx, publicID)
	if err != nil {
		return nil, err
	}
	return types.WrapObjectIfNeeded(object), nil
}

func (s *Service) Outbox(ctx context.Context) (types.OrderedCollection, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.Outbox")
	defer span.End()

	objects, total, err := s.store.GetPublicOutbox(ctx, outboxPageSize)
	if err != nil {
		span.RecordError(err)
		return types.OrderedCollection{}, err
	}

	items := make([]map[string]any, 0, len(objects))
	for _, object := range objects {
		items = append(items, types.WrapObjectIfNeeded(object.ApObject.Clone()).GetData())
	}
	return types.OrderedCollection{
		Context:      types.ActivityStreamsContext,
		ID:           s.config.OutboxURL(),
		Type:         string(types.TypeOrderedCollection),
		TotalItems:   total,
		OrderedItems: items,
	}, nil
}

func (s *Service) Followers(ctx context.Context) (types.OrderedCollection, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.Followers")
	defer span.End()

	followers, err := s.store.GetFollowers(ctx)
	if err != nil {
		span.RecordError(err)
		return types.OrderedCollection{}, err
	}

	items := make([]string, 0, len(followers))
	for _, f := range followers {
		items = append(items, f.ApActorID)
	}
	return types.OrderedCollection{
		Context:      types.ActivityStreamsContext,
		ID:           s.config.FollowersURL(),
		Type:         string(types.TypeOrderedCollection),
		TotalItems:   int64(len(items)),
		OrderedItems: items,
	}, nil
}

func (s *Service) Following(ctx context.Context) (types.OrderedCollection, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.Following")
	defer span.End()

	following, err := s.store.GetFollowing(ctx)
	if err != nil {
		span.RecordError(err)
		return types.OrderedCollection{}, err
	}

	items := make([]string, 0, len(following))
	for _, f := range following {
		items = append(items, f.ApActorID)
	}
	return types.OrderedCollection{
		Context:      types.ActivityStreamsContext,
		ID:           s.config.FollowingURL(),
		Type:         string(types.TypeOrderedCollection),
		TotalItems:   int64(len(items)),
		OrderedItems: items,
	}, nil
}

// Admit queues an authenticated inbox payload for processing.
func (s *Service) Admit(ctx context.Context, sentBy string, raw *types.RawApObj) error {
	ctx, span := tracer.Start(ctx, "Ap.Service.Admit")
	defer span.End()

	apID := raw.ID()
	if apID == "" || raw.Type().IsActor() {
		apID = raw.ContentHash()
	}

	activity, err := s.store.CreateIncomingActivity(ctx, types.IncomingActivity{
		SentByApActorID: sentBy,
		ApID:            apID,
		ApObject:        *raw,
		NextTry:         time.Now(),
	})
	if err != nil {
		span.RecordError(err)
		return errors.Wrap(err, "failed to queue incoming activity")
	}

	s.logger.Debug("admitted",
		zap.Uint("id", activity.ID),
		zap.String("type", string(raw.Type())),
		zap.String("sent_by", sentBy),
	)
	if s.waker != nil {
		s.waker.Notify(ctx, waker.QueueIncoming)
	}
	return nil
}

// AdmitUnverified handles a payload whose signature could not be checked. Only a Delete of
// the signing actor itself, whose key answered 410, is acknowledged; it is queued when that
// actor is known here. The processor confirms the actor is gone before applying it.
func (s *Service) AdmitUnverified(ctx context.Context, result signature.Result, raw *types.RawApObj) (bool, error) {
	ctx, span := tracer.Start(ctx, "Ap.Service.AdmitUnverified")
	defer span.End()

	if result.Status != signature.StatusActorGone {
		return false, nil
	}
	if raw.Type() != types.TypeDelete {
		return false, nil
	}
	actorID := raw.ActorID()
	if actorID == "" || raw.ObjectID() != actorID || hostOf(result.KeyID) != hostOf(actorID) {
		return false, nil
	}

	if _, err := s.store.GetActorByApID(ctx, actorID); err != nil {
		if store.IsNotFound(err) {
			return true, nil
		}
		span.RecordError(err)
		return false, err
	}
	return true, s.Admit(ctx, actorID, raw)
}

func hostOf(id string) string {
	u, err := url.Parse(id)
	if err != nil {
		return ""
	}
	return u.Host
}
