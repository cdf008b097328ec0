package actor_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/concrnt/apnode/actor"
	"github.com/concrnt/apnode/apclient/apclienttest"
	"github.com/concrnt/apnode/store"
	"github.com/concrnt/apnode/store/storetest"
	"github.com/concrnt/apnode/types"
)

func newDirectory(t *testing.T, remote *apclienttest.Remote) (*actor.Directory, *store.Store) {
	t.Helper()
	s := storetest.NewStore(t)
	dir, err := actor.NewDirectory(s, remote.Client(t), 64, apclienttest.Config(), zap.NewNop())
	require.NoError(t, err)
	return dir, s
}

func TestFetchPersistsOnce(t *testing.T) {
	remote := apclienttest.NewRemote(t)
	alice := remote.AddActor(t, "alice", "/inbox")
	dir, s := newDirectory(t, remote)
	ctx := context.Background()

	fetched, err := dir.Fetch(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, fetched.ApID)
	assert.Equal(t, types.TypePerson, fetched.ApType)
	assert.Equal(t, alice.Inbox, fetched.InboxURL)
	assert.Equal(t, alice.SharedInbox, fetched.DeliveryInbox())
	assert.Equal(t, alice.KeyID, fetched.PublicKeyID)
	assert.Contains(t, fetched.Handle, "@alice@")

	again, err := dir.Fetch(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, fetched.ID, again.ID)
	assert.Equal(t, 1, remote.Hits("/users/alice"))

	stored, err := s.GetActorByApID(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, fetched.ID, stored.ID)
}

func TestFetchRejectsNonActors(t *testing.T) {
	remote := apclienttest.NewRemote(t)
	note := remote.Put("/notes/1", map[string]any{"id": remote.URL("/notes/1"), "type": "Note"})
	dir, _ := newDirectory(t, remote)

	_, err := dir.Fetch(context.Background(), note)
	assert.ErrorIs(t, err, types.ErrNotAnActor)

	_, err = dir.Fetch(context.Background(), remote.URL("/users/nobody"))
	assert.ErrorIs(t, err, types.ErrObjectNotFound)
}

func TestFetchRejectsForeignID(t *testing.T) {
	remote := apclienttest.NewRemote(t)
	url := remote.Put("/users/mallory", map[string]any{
		"id":    "https://elsewhere.example/users/mallory",
		"type":  "Person",
		"inbox": "https://elsewhere.example/inbox",
	})
	dir, _ := newDirectory(t, remote)

	_, err := dir.Fetch(context.Background(), url)
	assert.ErrorIs(t, err, types.ErrActorMismatch)
}

func TestUpdateIfNeeded(t *testing.T) {
	remote := apclienttest.NewRemote(t)
	alice := remote.AddActor(t, "alice", "")
	dir, _ := newDirectory(t, remote)
	ctx := context.Background()

	fetched, err := dir.Fetch(ctx, alice.ID)
	require.NoError(t, err)

	same := types.NewRawApObj(alice.Doc).Clone()
	_, changed, err := dir.UpdateIfNeeded(ctx, fetched, same)
	require.NoError(t, err)
	assert.False(t, changed)

	renamed := same.Clone()
	renamed.Set("name", "Alice Renamed")
	renamed.Set("inbox", remote.URL("/users/alice/new-inbox"))
	updated, changed, err := dir.UpdateIfNeeded(ctx, fetched, renamed)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, fetched.ID, updated.ID)
	assert.Equal(t, remote.URL("/users/alice/new-inbox"), updated.InboxURL)
	assert.Equal(t, "Alice Renamed", updated.ApActor.MustGetString("name"))

	other := same.Clone()
	other.Set("id", remote.URL("/users/bob"))
	_, _, err = dir.UpdateIfNeeded(ctx, fetched, other)
	assert.ErrorIs(t, err, types.ErrActorMismatch)
}

func TestContentHash(t *testing.T) {
	doc := types.NewRawApObj(map[string]any{
		"id":                "https://remote.example/users/alice",
		"type":              "Person",
		"preferredUsername": "alice",
		"icon":              map[string]any{"url": "https://remote.example/a.png"},
		"attachment": []any{
			map[string]any{"type": "PropertyValue", "name": "site", "value": "https://alice.example"},
		},
	})
	base := actor.ContentHash(doc)

	unhashed := doc.Clone()
	unhashed.Set("outbox", "https://remote.example/users/alice/outbox")
	assert.Equal(t, base, actor.ContentHash(unhashed))

	for _, mutate := range []func(*types.RawApObj){
		func(d *types.RawApObj) { d.Set("name", "Alice") },
		func(d *types.RawApObj) { d.Set("icon", map[string]any{"url": "https://remote.example/b.png"}) },
		func(d *types.RawApObj) {
			d.Set("attachment", []any{map[string]any{"type": "PropertyValue", "name": "site", "value": "x"}})
		},
		func(d *types.RawApObj) { d.Set("movedTo", "https://other.example/users/alice") },
		func(d *types.RawApObj) {
			d.Set("publicKey", map[string]any{"id": "k", "publicKeyPem": "pem"})
		},
	} {
		changed := doc.Clone()
		mutate(changed)
		assert.NotEqual(t, base, actor.ContentHash(changed))
	}
}

func TestFetchKey(t *testing.T) {
	remote := apclienttest.NewRemote(t)
	alice := remote.AddActor(t, "alice", "")
	dir, s := newDirectory(t, remote)
	ctx := context.Background()

	key, err := dir.FetchKey(ctx, alice.KeyID, false)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, key.OwnerID)
	assert.Equal(t, alice.Key.PublicKey.N, key.Key.N)

	// persisted on first sight, then served from the database
	_, err = s.GetActorByKeyID(ctx, alice.KeyID)
	require.NoError(t, err)
	hits := remote.Hits("/users/alice")
	_, err = dir.FetchKey(ctx, alice.KeyID, false)
	require.NoError(t, err)
	assert.Equal(t, hits, remote.Hits("/users/alice"))

	_, err = dir.FetchKey(ctx, alice.KeyID, true)
	require.NoError(t, err)
	assert.Equal(t, hits+1, remote.Hits("/users/alice"))

	_, err = dir.FetchKey(ctx, alice.ID+"#other-key", false)
	assert.Error(t, err)
}

func TestFetchStandaloneKey(t *testing.T) {
	remote := apclienttest.NewRemote(t)
	_, pub := apclienttest.Key(t)
	owner := remote.URL("/users/carol")
	keyID := remote.URL("/keys/carol")
	remote.Put("/users/carol", map[string]any{
		"id":                owner,
		"type":              "Service",
		"preferredUsername": "carol",
		"inbox":             owner + "/inbox",
		"publicKey":         keyID,
	})
	remote.Put("/keys/carol", map[string]any{
		"id":           keyID,
		"type":         "Key",
		"owner":        owner,
		"publicKeyPem": pub,
	})
	dir, _ := newDirectory(t, remote)

	key, err := dir.FetchKey(context.Background(), keyID, false)
	require.NoError(t, err)
	assert.Equal(t, owner, key.OwnerID)
}

func TestFetchStandaloneKeyChecksOwner(t *testing.T) {
	remote := apclienttest.NewRemote(t)
	alice := remote.AddActor(t, "alice", "")
	_, pub := apclienttest.Key(t)
	dir, _ := newDirectory(t, remote)
	ctx := context.Background()

	t.Run("owner on another host", func(t *testing.T) {
		other := apclienttest.NewRemote(t)
		keyID := other.Put("/keys/alice", map[string]any{
			"id":           other.URL("/keys/alice"),
			"type":         "Key",
			"owner":        alice.ID,
			"publicKeyPem": pub,
		})
		_, err := dir.FetchKey(ctx, keyID, false)
		assert.ErrorIs(t, err, types.ErrActorMismatch)
	})

	t.Run("owner does not list the key", func(t *testing.T) {
		keyID := remote.Put("/keys/extra", map[string]any{
			"id":           remote.URL("/keys/extra"),
			"type":         "Key",
			"owner":        alice.ID,
			"publicKeyPem": pub,
		})
		_, err := dir.FetchKey(ctx, keyID, false)
		assert.ErrorIs(t, err, types.ErrActorMismatch)
	})
}

func TestFetchKeyOfGoneActor(t *testing.T) {
	remote := apclienttest.NewRemote(t)
	remote.SetStatus("/users/gone", http.StatusGone)
	dir, _ := newDirectory(t, remote)

	_, err := dir.FetchKey(context.Background(), remote.URL("/users/gone#main-key"), false)
	assert.ErrorIs(t, err, types.ErrObjectIsGone)
}

func TestTombstone(t *testing.T) {
	remote := apclienttest.NewRemote(t)
	alice := remote.AddActor(t, "alice", "")
	dir, s := newDirectory(t, remote)
	ctx := context.Background()

	fetched, err := dir.Fetch(ctx, alice.ID)
	require.NoError(t, err)
	require.NoError(t, s.UpsertFollower(ctx, types.Follower{ActorID: fetched.ID, InboxObjectID: 1, ApActorID: fetched.ApID}))

	require.NoError(t, dir.Tombstone(ctx, fetched))

	stored, err := dir.Fetch(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsDeleted)
	_, err = s.GetFollowerByActorID(ctx, fetched.ID)
	assert.True(t, store.IsNotFound(err))
}
