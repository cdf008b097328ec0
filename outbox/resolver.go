package outbox

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/concrnt/apnode/actor"
	"github.com/concrnt/apnode/store"
	"github.com/concrnt/apnode/types"
)

// Client is the subset of the remote client the outbox needs.
type Client interface {
	Fetch(ctx context.Context, url string, skipCache bool) (*types.RawApObj, error)
	ParseCollection(ctx context.Context, url string, payload *types.RawApObj) ([]string, error)
	ResolveActor(ctx context.Context, handle string) (string, error)
}

// Resolver expands an audience into the inboxes it is delivered to.
type Resolver struct {
	store     *store.Store
	directory *actor.Directory
	client    Client
	config    types.ApConfig
	logger    *zap.Logger
}

func NewResolver(
	store *store.Store,
	directory *actor.Directory,
	client Client,
	config types.ApConfig,
	logger *zap.Logger,
) *Resolver {
	return &Resolver{
		store:     store,
		directory: directory,
		client:    client,
		config:    config,
		logger:    logger,
	}
}

func (r *Resolver) WithStore(s *store.Store) *Resolver {
	clone := *r
	clone.store = s
	clone.directory = r.directory.WithStore(s)
	return &clone
}

// Resolve returns the sorted, distinct inboxes for the to, cc, bto and bcc of obj.
func (r *Resolver) Resolve(ctx context.Context, obj *types.RawApObj) ([]string, error) {
	return r.ResolveRefs(ctx, obj.Recipients())
}

// ResolveRefs expands actor and collection references. Unreachable recipients are skipped;
// a collection nested too deep fails the whole resolution.
func (r *Resolver) ResolveRefs(ctx context.Context, refs []string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "Outbox.Resolver.ResolveRefs")
	defer span.End()

	inboxes := map[string]struct{}{}
	add := func(a types.Actor) {
		if a.IsDeleted {
			return
		}
		if inbox := a.DeliveryInbox(); inbox != "" {
			inboxes[inbox] = struct{}{}
		}
	}

	seen := map[string]bool{}
	for _, ref := range refs {
		if ref == "" || seen[ref] || types.IsPublic(ref) || ref == r.config.ActorID() {
			continue
		}
		seen[ref] = true

		if ref == r.config.FollowersURL() {
			followers, err := r.store.GetFollowers(ctx)
			if err != nil {
				span.RecordError(err)
				return nil, err
			}
			for _, f := range followers {
				add(f.Actor)
			}
			continue
		}

		if r.config.IsLocal(ref) {
			continue
		}

		known, err := r.store.GetActorByApID(ctx, ref)
		if err == nil {
			add(known)
			continue
		}
		if !store.IsNotFound(err) {
			span.RecordError(err)
			return nil, err
		}

		doc, err := r.client.Fetch(ctx, ref, false)
		if err != nil {
			if types.IsFetchMiss(err) {
				r.logger.Info("skipping unreachable recipient", zap.String("recipient", ref), zap.Error(err))
				continue
			}
			span.RecordError(err)
			return nil, err
		}

		switch {
		case doc.Type().IsActor():
			saved, err := r.directory.SaveActor(ctx, doc)
			if err != nil {
				r.logger.Info("skipping invalid recipient", zap.String("recipient", ref), zap.Error(err))
				continue
			}
			add(saved)

		case doc.Type().IsCollection():
			members, err := r.client.ParseCollection(ctx, ref, doc)
			if err != nil {
				if errors.Is(err, types.ErrRecursionLimit) {
					span.RecordError(err)
					return nil, err
				}
				r.logger.Info("skipping unreadable collection", zap.String("recipient", ref), zap.Error(err))
				continue
			}
			for _, member := range members {
				if member == r.config.ActorID() || types.IsPublic(member) {
					continue
				}
				a, err := r.directory.Fetch(ctx, member)
				if err != nil {
					if !isSkippable(err) {
						return nil, err
					}
					r.logger.Info("skipping collection member", zap.String("member", member), zap.Error(err))
					continue
				}
				add(a)
			}

		default:
			r.logger.Info("recipient is neither an actor nor a collection",
				zap.String("recipient", ref), zap.String("type", string(doc.Type())))
		}
	}

	out := make([]string, 0, len(inboxes))
	for inbox := range inboxes {
		out = append(out, inbox)
	}
	sort.Strings(out)
	return out, nil
}

func isSkippable(err error) bool {
	return types.IsFetchMiss(err) ||
		errors.Is(err, types.ErrNotAnActor) ||
		errors.Is(err, types.ErrActorMismatch)
}
