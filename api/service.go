package api

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/concrnt/apnode/content"
	"github.com/concrnt/apnode/outbox"
	"github.com/concrnt/apnode/store"
	"github.com/concrnt/apnode/types"
)

var ErrInvalidRequest = errors.New("invalid request")

type ActorResolver interface {
	ResolveActor(ctx context.Context, handle string) (string, error)
}

type Service struct {
	store    *store.Store
	composer *outbox.Composer
	resolver ActorResolver
	config   types.ApConfig
	logger   *zap.Logger
}

func NewService(store *store.Store, composer *outbox.Composer, resolver ActorResolver, config types.ApConfig, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		composer: composer,
		resolver: resolver,
		config:   config,
		logger:   logger,
	}
}

// resolveActor accepts an actor id or a @user@host handle.
func (s *Service) resolveActor(ctx context.Context, target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", errors.Wrap(ErrInvalidRequest, "missing target")
	}
	if strings.HasPrefix(target, "https://") || strings.HasPrefix(target, "http://") {
		return target, nil
	}
	return s.resolver.ResolveActor(ctx, target)
}

func (s *Service) Follow(ctx context.Context, target string) (string, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.Follow")
	defer span.End()

	actorID, err := s.resolveActor(ctx, target)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return s.composer.SendFollow(ctx, actorID)
}

func (s *Service) Block(ctx context.Context, target string) (string, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.Block")
	defer span.End()

	actorID, err := s.resolveActor(ctx, target)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return s.composer.SendBlock(ctx, actorID)
}

func (s *Service) Like(ctx context.Context, apID string) (string, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.Like")
	defer span.End()
	return s.composer.SendLike(ctx, apID)
}

func (s *Service) Announce(ctx context.Context, apID string) (string, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.Announce")
	defer span.End()
	return s.composer.SendAnnounce(ctx, apID)
}

func (s *Service) Undo(ctx context.Context, apID string) (string, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.Undo")
	defer span.End()
	return s.composer.SendUndo(ctx, apID)
}

func (s *Service) Delete(ctx context.Context, apID string) (string, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.Delete")
	defer span.End()
	return s.composer.SendDelete(ctx, apID)
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (string, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.Create")
	defer span.End()

	visibility := types.VisibilityPublic
	if req.Visibility != "" {
		v, ok := types.ParseVisibility(strings.ToUpper(req.Visibility))
		if !ok {
			return "", errors.Wrapf(ErrInvalidRequest, "unknown visibility %q", req.Visibility)
		}
		visibility = v
	}

	var inReplyTo *string
	if req.InReplyTo != "" {
		inReplyTo = &req.InReplyTo
	}

	publicID, err := s.composer.SendCreate(ctx, outbox.CreateParams{
		Source:         req.Source,
		Visibility:     visibility,
		InReplyTo:      inReplyTo,
		ContentWarning: req.ContentWarning,
		Sensitive:      req.Sensitive,
		Type:           types.ApType(req.Type),
		Name:           req.Name,
		PollOptions:    req.PollOptions,
		PollMultiple:   req.PollMultiple,
		PollEndsIn:     time.Duration(req.PollEndsInSeconds) * time.Second,
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return publicID, nil
}

func (s *Service) Update(ctx context.Context, publicID, source string) error {
	ctx, span := tracer.Start(ctx, "Api.Service.Update")
	defer span.End()
	return s.composer.SendUpdate(ctx, publicID, source)
}

// Vote answers a remote poll with the given option names.
func (s *Service) Vote(ctx context.Context, questionID string, names []string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.Vote")
	defer span.End()
	return s.composer.SendVote(ctx, questionID, names)
}

// ObjectView is a stored object with its content as markdown.
type ObjectView struct {
	Inbox    *types.InboxObject  `json:"inbox,omitempty"`
	Outbox   *types.OutboxObject `json:"outbox,omitempty"`
	Markdown string              `json:"markdown"`
}

// Object looks up apID locally. Unknown remote objects are fetched and stored when fetch is set.
func (s *Service) Object(ctx context.Context, apID string, fetch bool) (ObjectView, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.Object")
	defer span.End()

	var view ObjectView
	var raw *types.RawApObj
	if s.config.IsLocal(apID) {
		object, err := s.composer.GetOutboxObjectByApID(ctx, apID)
		if err != nil {
			span.RecordError(err)
			return view, err
		}
		view.Outbox = &object
		raw = &object.ApObject
	} else {
		object, err := s.composer.GetInboxObjectByApID(ctx, apID)
		if err != nil && fetch && errors.Is(err, types.ErrObjectNotFound) {
			object, err = s.composer.SaveRemoteObject(ctx, apID)
		}
		if err != nil {
			span.RecordError(err)
			return view, err
		}
		view.Inbox = &object
		raw = &object.ApObject
	}

	if html, ok := raw.GetString("content"); ok {
		md, err := content.ToMarkdown(html)
		if err != nil {
			s.logger.Debug("failed to convert content", zap.String("id", apID), zap.Error(err))
		}
		view.Markdown = md
	}
	return view, nil
}

func (s *Service) Replies(ctx context.Context, apID string) (*outbox.ReplyNode, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.Replies")
	defer span.End()
	return s.composer.GetRepliesTree(ctx, apID)
}

// Notifications returns the latest notifications, newest first, and optionally marks them read.
func (s *Service) Notifications(ctx context.Context, limit int, markRead bool) ([]types.Notification, error) {
	ctx, span := tracer.Start(ctx, "Api.Service.Notifications")
	defer span.End()

	notifications, err := s.store.GetNotifications(ctx, limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if markRead {
		if err := s.store.MarkNotificationsRead(ctx); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}
	return notifications, nil
}
