package actor

import (
	"context"
	"net/url"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/concrnt/apnode/signature"
	"github.com/concrnt/apnode/store"
	"github.com/concrnt/apnode/types"
)

var tracer = otel.Tracer("actor")

// Fetcher retrieves remote documents.
type Fetcher interface {
	Fetch(ctx context.Context, url string, skipCache bool) (*types.RawApObj, error)
	Forget(url string)
}

// Directory resolves remote actors, persisting them on first sight.
type Directory struct {
	store  *store.Store
	client Fetcher
	docs   *lru.Cache
	group  *singleflight.Group
	config types.ApConfig
	logger *zap.Logger
}

func NewDirectory(
	store *store.Store,
	client Fetcher,
	cacheSize int,
	config types.ApConfig,
	logger *zap.Logger,
) (*Directory, error) {
	docs, err := lru.New(cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create actor cache")
	}
	return &Directory{
		store:  store,
		client: client,
		docs:   docs,
		group:  new(singleflight.Group),
		config: config,
		logger: logger,
	}, nil
}

// WithStore returns a copy of the directory that reads and writes through s.
// Caches are shared with the original.
func (d *Directory) WithStore(s *store.Store) *Directory {
	clone := *d
	clone.store = s
	return &clone
}

// Fetch returns the persisted actor for id, fetching and saving it on first sight.
// Tombstoned actors are returned as they are.
func (d *Directory) Fetch(ctx context.Context, id string) (types.Actor, error) {
	ctx, span := tracer.Start(ctx, "Actor.Directory.Fetch")
	defer span.End()

	actor, err := d.store.GetActorByApID(ctx, id)
	if err == nil {
		return actor, nil
	}
	if !store.IsNotFound(err) {
		span.RecordError(err)
		return types.Actor{}, err
	}

	doc, err := d.fetchActorDocument(ctx, id, false)
	if err != nil {
		span.RecordError(err)
		return types.Actor{}, err
	}

	return d.SaveActor(ctx, doc)
}

// SaveActor persists an already fetched actor document, updating the row if it changed.
func (d *Directory) SaveActor(ctx context.Context, doc *types.RawApObj) (types.Actor, error) {
	ctx, span := tracer.Start(ctx, "Actor.Directory.SaveActor")
	defer span.End()

	if !doc.Type().IsActor() {
		return types.Actor{}, errors.Wrapf(types.ErrNotAnActor, "%s is a %s", doc.ID(), doc.Type())
	}

	existing, err := d.store.GetActorByApID(ctx, doc.ID())
	if err == nil {
		actor, _, err := d.UpdateIfNeeded(ctx, existing, doc)
		return actor, err
	}
	if !store.IsNotFound(err) {
		span.RecordError(err)
		return types.Actor{}, err
	}

	actor, err := d.store.CreateActor(ctx, fromDocument(types.Actor{}, doc))
	if err != nil {
		span.RecordError(err)
		return types.Actor{}, err
	}
	d.docs.Add(actor.ApID, doc.Clone())
	return actor, nil
}

// UpdateIfNeeded rewrites actor from doc when their content hashes differ.
func (d *Directory) UpdateIfNeeded(ctx context.Context, actor types.Actor, doc *types.RawApObj) (types.Actor, bool, error) {
	ctx, span := tracer.Start(ctx, "Actor.Directory.UpdateIfNeeded")
	defer span.End()

	if doc.ID() != actor.ApID {
		return actor, false, errors.Wrapf(types.ErrActorMismatch, "%s is not %s", doc.ID(), actor.ApID)
	}
	if ContentHash(&actor.ApActor) == ContentHash(doc) {
		return actor, false, nil
	}

	updated, err := d.store.UpdateActor(ctx, fromDocument(actor, doc))
	if err != nil {
		span.RecordError(err)
		return actor, false, err
	}
	d.docs.Add(updated.ApID, doc.Clone())
	d.logger.Info("actor updated", zap.String("actor", updated.ApID))
	return updated, true, nil
}

// Refresh re-fetches actor bypassing all caches.
func (d *Directory) Refresh(ctx context.Context, actor types.Actor) (types.Actor, error) {
	ctx, span := tracer.Start(ctx, "Actor.Directory.Refresh")
	defer span.End()

	doc, err := d.fetchActorDocument(ctx, actor.ApID, true)
	if err != nil {
		span.RecordError(err)
		return actor, err
	}
	updated, _, err := d.UpdateIfNeeded(ctx, actor, doc)
	return updated, err
}

// Forget drops the cached document of id.
func (d *Directory) Forget(id string) {
	d.docs.Remove(id)
	d.client.Forget(id)
}

// Tombstone marks the actor deleted and removes it from the social graph.
func (d *Directory) Tombstone(ctx context.Context, actor types.Actor) error {
	ctx, span := tracer.Start(ctx, "Actor.Directory.Tombstone")
	defer span.End()

	actor.IsDeleted = true
	_, err := d.store.UpdateActor(ctx, actor)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if _, err := d.store.DeleteFollower(ctx, actor.ID); err != nil {
		return err
	}
	if _, err := d.store.DeleteFollowing(ctx, actor.ID); err != nil {
		return err
	}
	if err := d.store.DeleteInboxObjectsByActor(ctx, actor.ID); err != nil {
		return err
	}
	d.Forget(actor.ApID)
	return nil
}

// FetchKey resolves a key id to its owner's public key.
func (d *Directory) FetchKey(ctx context.Context, keyID string, skipCache bool) (signature.PublicKey, error) {
	ctx, span := tracer.Start(ctx, "Actor.Directory.FetchKey")
	defer span.End()

	if !skipCache {
		actor, err := d.store.GetActorByKeyID(ctx, keyID)
		if err == nil && !actor.IsDeleted && actor.PublicKeyPem != "" {
			pub, err := signature.ParsePublicKey(actor.PublicKeyPem)
			if err == nil {
				return signature.PublicKey{KeyID: keyID, OwnerID: actor.ApID, Key: pub}, nil
			}
		}
	}

	doc, err := d.fetchDocument(ctx, keyID, skipCache)
	if err != nil {
		span.RecordError(err)
		return signature.PublicKey{}, err
	}

	var pem string
	var actorDoc *types.RawApObj
	switch {
	case doc.Type() == types.TypeKey:
		if doc.ID() != keyID {
			return signature.PublicKey{}, errors.Wrapf(types.ErrActorMismatch, "key %s answered as %s", keyID, doc.ID())
		}
		owner := doc.MustGetString("owner")
		if owner == "" || !sameOrigin(owner, keyID) {
			return signature.PublicKey{}, errors.Wrapf(types.ErrActorMismatch, "key %s claims owner %q", keyID, owner)
		}
		actorDoc, err = d.fetchActorDocument(ctx, owner, skipCache)
		if err != nil {
			return signature.PublicKey{}, err
		}
		if !listsKey(actorDoc, keyID) {
			return signature.PublicKey{}, errors.Wrapf(types.ErrActorMismatch, "%s does not list key %s", owner, keyID)
		}
		pem = doc.MustGetString("publicKeyPem")
	case doc.Type().IsActor():
		actorDoc = doc
		pem = embeddedKey(doc, keyID)
	default:
		return signature.PublicKey{}, errors.Wrapf(types.ErrNotAnActor, "%s is a %s", keyID, doc.Type())
	}

	if pem == "" {
		return signature.PublicKey{}, errors.Errorf("actor %s has no key %s", actorDoc.ID(), keyID)
	}

	pub, err := signature.ParsePublicKey(pem)
	if err != nil {
		return signature.PublicKey{}, err
	}

	actor, err := d.SaveActor(ctx, actorDoc)
	if err != nil {
		return signature.PublicKey{}, err
	}

	return signature.PublicKey{KeyID: keyID, OwnerID: actor.ApID, Key: pub}, nil
}

func (d *Directory) fetchActorDocument(ctx context.Context, id string, skipCache bool) (*types.RawApObj, error) {
	doc, err := d.fetchDocument(ctx, id, skipCache)
	if err != nil {
		return nil, err
	}
	if !doc.Type().IsActor() {
		return nil, errors.Wrapf(types.ErrNotAnActor, "%s is a %s", id, doc.Type())
	}
	return doc, nil
}

func (d *Directory) fetchDocument(ctx context.Context, id string, skipCache bool) (*types.RawApObj, error) {
	if skipCache {
		d.docs.Remove(id)
	} else if cached, ok := d.docs.Get(id); ok {
		return cached.(*types.RawApObj).Clone(), nil
	}

	key := id
	if skipCache {
		key = "fresh:" + id
	}
	result, err, _ := d.group.Do(key, func() (any, error) {
		return d.client.Fetch(ctx, id, skipCache)
	})
	if err != nil {
		return nil, err
	}
	doc := result.(*types.RawApObj)

	if !sameOrigin(id, doc.ID()) {
		return nil, errors.Wrapf(types.ErrActorMismatch, "%s answered with %s", id, doc.ID())
	}

	d.docs.Add(id, doc)
	return doc.Clone(), nil
}

// publicKeys returns the publicKey entries of an actor, embedded or referenced by id.
func publicKeys(doc *types.RawApObj) []any {
	switch v := doc.GetData()["publicKey"].(type) {
	case map[string]any, string:
		return []any{v}
	case []any:
		return v
	}
	return nil
}

func embeddedKey(doc *types.RawApObj, keyID string) string {
	for _, k := range publicKeys(doc) {
		m, ok := k.(map[string]any)
		if !ok {
			continue
		}
		key := types.NewRawApObj(m)
		if key.ID() == keyID {
			return key.MustGetString("publicKeyPem")
		}
	}
	return ""
}

// listsKey reports whether the actor names keyID as one of its keys.
func listsKey(doc *types.RawApObj, keyID string) bool {
	for _, k := range publicKeys(doc) {
		switch v := k.(type) {
		case string:
			if v == keyID {
				return true
			}
		case map[string]any:
			if types.NewRawApObj(v).ID() == keyID {
				return true
			}
		}
	}
	return false
}

// fromDocument copies the interpreted fields of doc onto base.
func fromDocument(base types.Actor, doc *types.RawApObj) types.Actor {
	base.ApID = doc.ID()
	base.ApType = doc.Type()
	base.ApActor = *doc.Clone()
	base.InboxURL = doc.MustGetString("inbox")
	base.Handle = handle(doc)
	base.PublicKeyID = ""
	base.PublicKeyPem = ""
	if key, ok := doc.GetRaw("publicKey"); ok {
		base.PublicKeyID = key.ID()
		base.PublicKeyPem = key.MustGetString("publicKeyPem")
	}
	base.SharedInboxURL = nil
	if shared := doc.MustGetString("endpoints.sharedInbox"); shared != "" {
		base.SharedInboxURL = &shared
	}
	return base
}

func handle(doc *types.RawApObj) string {
	username := doc.MustGetString("preferredUsername")
	u, err := url.Parse(doc.ID())
	if err != nil || username == "" {
		return ""
	}
	return "@" + username + "@" + u.Host
}

func sameOrigin(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Scheme == ub.Scheme && strings.EqualFold(ua.Host, ub.Host)
}
