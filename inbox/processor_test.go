package inbox_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/concrnt/apnode/actor"
	"github.com/concrnt/apnode/apclient/apclienttest"
	"github.com/concrnt/apnode/inbox"
	"github.com/concrnt/apnode/outbox"
	"github.com/concrnt/apnode/store"
	"github.com/concrnt/apnode/store/storetest"
	"github.com/concrnt/apnode/types"
)

type fixture struct {
	remote    *apclienttest.Remote
	store     *store.Store
	directory *actor.Directory
	composer  *outbox.Composer
	processor *inbox.Processor
	config    types.ApConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	remote := apclienttest.NewRemote(t)
	s := storetest.NewStore(t)
	client := remote.Client(t)
	config := apclienttest.Config()

	dir, err := actor.NewDirectory(s, client, 64, config, zap.NewNop())
	require.NoError(t, err)
	composer := outbox.NewComposer(s, dir, client, nil, config, zap.NewNop())

	return &fixture{
		remote:    remote,
		store:     s,
		directory: dir,
		composer:  composer,
		processor: inbox.NewProcessor(s, dir, composer, client, nil, config, zap.NewNop()),
		config:    config,
	}
}

func (f *fixture) process(t *testing.T, sentBy string, doc map[string]any) {
	t.Helper()
	require.NoError(t, f.processor.Process(context.Background(), sentBy, types.NewRawApObj(doc).Clone()))
}

func (f *fixture) stored(t *testing.T, apID string) (types.InboxObject, bool) {
	t.Helper()
	object, err := f.store.GetInboxObjectByApID(context.Background(), apID)
	if store.IsNotFound(err) {
		return object, false
	}
	require.NoError(t, err)
	return object, true
}

func (f *fixture) notifications(t *testing.T) []types.NotificationType {
	t.Helper()
	notifications, err := f.store.GetNotifications(context.Background(), 100)
	require.NoError(t, err)
	var out []types.NotificationType
	for i := len(notifications) - 1; i >= 0; i-- {
		out = append(out, notifications[i].NotificationType)
	}
	return out
}

func (f *fixture) queued(t *testing.T) []types.OutgoingActivity {
	t.Helper()
	activities, err := f.store.FetchOutgoingActivities(context.Background(), time.Now().Add(time.Hour), nil, 100)
	require.NoError(t, err)
	return activities
}

func (f *fixture) localPost(t *testing.T) types.OutboxObject {
	t.Helper()
	publicID, err := f.composer.SendCreate(context.Background(), outbox.CreateParams{
		Source:     "hello",
		Visibility: types.VisibilityPublic,
	})
	require.NoError(t, err)
	post, err := f.store.GetOutboxObjectByPublicID(context.Background(), publicID)
	require.NoError(t, err)
	return post
}

func note(remote *apclienttest.Remote, author apclienttest.Actor, path string) map[string]any {
	return map[string]any{
		"id":           remote.URL(path),
		"type":         "Note",
		"attributedTo": author.ID,
		"content":      "<p>hi</p>",
		"published":    "2024-05-01T10:00:00Z",
		"to":           []any{types.AsPublic},
		"cc":           []any{author.Followers},
	}
}

func create(remote *apclienttest.Remote, author apclienttest.Actor, object map[string]any) map[string]any {
	return map[string]any{
		"@context": types.ActivityStreamsContext,
		"id":       object["id"].(string) + "/activity",
		"type":     "Create",
		"actor":    author.ID,
		"object":   object,
		"to":       object["to"],
		"cc":       object["cc"],
	}
}

func TestFollowAcceptUndoRoundtrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.remote.AddActor(t, "alice", "/inbox")

	follow := map[string]any{
		"@context": types.ActivityStreamsContext,
		"id":       f.remote.URL("/activities/follow-1"),
		"type":     "Follow",
		"actor":    alice.ID,
		"object":   f.config.ActorID(),
	}
	f.process(t, alice.ID, follow)

	followers, err := f.store.GetFollowers(ctx)
	require.NoError(t, err)
	require.Len(t, followers, 1)
	assert.Equal(t, alice.ID, followers[0].ApActorID)

	queued := f.queued(t)
	require.Len(t, queued, 1)
	assert.Equal(t, alice.Inbox, queued[0].Recipient)
	accept, err := f.store.GetOutboxObjectByID(ctx, *queued[0].OutboxObjectID)
	require.NoError(t, err)
	assert.Equal(t, types.TypeAccept, accept.ApType)
	assert.Equal(t, follow["id"], accept.ApObject.ObjectID())

	f.process(t, alice.ID, map[string]any{
		"@context": types.ActivityStreamsContext,
		"id":       f.remote.URL("/activities/undo-1"),
		"type":     "Undo",
		"actor":    alice.ID,
		"object":   follow,
	})

	followers, err = f.store.GetFollowers(ctx)
	require.NoError(t, err)
	assert.Empty(t, followers)

	undone, ok := f.stored(t, follow["id"].(string))
	require.True(t, ok)
	assert.NotNil(t, undone.UndoneByInboxObjectID)

	assert.Equal(t, []types.NotificationType{types.NotificationNewFollower, types.NotificationUnfollow}, f.notifications(t))
}

func TestFollowOfSomeoneElseIsDropped(t *testing.T) {
	f := newFixture(t)
	alice := f.remote.AddActor(t, "alice", "")

	f.process(t, alice.ID, map[string]any{
		"id":     f.remote.URL("/activities/follow-1"),
		"type":   "Follow",
		"actor":  alice.ID,
		"object": "https://elsewhere.example/users/bob",
	})

	_, ok := f.stored(t, f.remote.URL("/activities/follow-1"))
	assert.False(t, ok)
	assert.Empty(t, f.queued(t))
}

func TestProcessIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.remote.AddActor(t, "alice", "")
	post := f.localPost(t)

	like := map[string]any{
		"id":     f.remote.URL("/likes/1"),
		"type":   "Like",
		"actor":  alice.ID,
		"object": post.ApID,
	}
	f.process(t, alice.ID, like)
	f.process(t, alice.ID, like)

	post, err := f.store.GetOutboxObjectByID(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, post.LikesCount)
	assert.Equal(t, []types.NotificationType{types.NotificationLike}, f.notifications(t))

	f.process(t, alice.ID, map[string]any{
		"id":     f.remote.URL("/likes/1/undo"),
		"type":   "Undo",
		"actor":  alice.ID,
		"object": like["id"],
	})
	post, err = f.store.GetOutboxObjectByID(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, post.LikesCount)
}

func TestIDLessPayloadsAreDedupedByContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.remote.AddActor(t, "alice", "")
	post := f.localPost(t)

	like := map[string]any{"type": "Like", "actor": alice.ID, "object": post.ApID}
	f.process(t, alice.ID, like)
	f.process(t, alice.ID, like)

	post, err := f.store.GetOutboxObjectByID(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, post.LikesCount)
}

func TestAcceptAndReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bob := f.remote.AddActor(t, "bob", "")
	carol := f.remote.AddActor(t, "carol", "")

	followID, err := f.composer.SendFollow(ctx, bob.ID)
	require.NoError(t, err)
	followApID := f.config.ObjectURL(followID)

	// only the followed actor may accept
	f.process(t, carol.ID, map[string]any{
		"id":     f.remote.URL("/accepts/forged"),
		"type":   "Accept",
		"actor":  carol.ID,
		"object": followApID,
	})
	following, err := f.store.GetFollowing(ctx)
	require.NoError(t, err)
	assert.Empty(t, following)

	f.process(t, bob.ID, map[string]any{
		"id":     f.remote.URL("/accepts/1"),
		"type":   "Accept",
		"actor":  bob.ID,
		"object": map[string]any{"id": followApID, "type": "Follow", "actor": f.config.ActorID(), "object": bob.ID},
	})
	following, err = f.store.GetFollowing(ctx)
	require.NoError(t, err)
	require.Len(t, following, 1)
	assert.Equal(t, bob.ID, following[0].ApActorID)

	f.process(t, bob.ID, map[string]any{
		"id":     f.remote.URL("/rejects/1"),
		"type":   "Reject",
		"actor":  bob.ID,
		"object": followApID,
	})
	following, err = f.store.GetFollowing(ctx)
	require.NoError(t, err)
	assert.Empty(t, following)

	assert.Equal(t, []types.NotificationType{
		types.NotificationFollowRequestAccepted,
		types.NotificationFollowRequestRejected,
	}, f.notifications(t))
}

func TestDeleteActorMismatch(t *testing.T) {
	f := newFixture(t)
	alice := f.remote.AddActor(t, "alice", "")
	mallory := f.remote.AddActor(t, "mallory", "")

	object := note(f.remote, alice, "/notes/1")
	f.process(t, alice.ID, create(f.remote, alice, object))

	stored, ok := f.stored(t, object["id"].(string))
	require.True(t, ok)
	assert.False(t, stored.IsDeleted)

	forged := map[string]any{
		"id":     f.remote.URL("/deletes/forged"),
		"type":   "Delete",
		"actor":  mallory.ID,
		"object": map[string]any{"type": "Tombstone", "id": object["id"]},
	}
	f.process(t, mallory.ID, forged)

	stored, _ = f.stored(t, object["id"].(string))
	assert.False(t, stored.IsDeleted)
	_, ok = f.stored(t, forged["id"].(string))
	assert.False(t, ok, "a dropped activity leaves no trace")

	f.process(t, alice.ID, map[string]any{
		"id":     f.remote.URL("/deletes/1"),
		"type":   "Delete",
		"actor":  alice.ID,
		"object": map[string]any{"type": "Tombstone", "id": object["id"]},
	})
	stored, _ = f.stored(t, object["id"].(string))
	assert.True(t, stored.IsDeleted)
}

func TestCreateReplyWithMention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.remote.AddActor(t, "alice", "")
	post := f.localPost(t)

	object := note(f.remote, alice, "/notes/reply")
	object["inReplyTo"] = post.ApID
	object["tag"] = []any{
		map[string]any{"type": "Mention", "href": f.config.ActorID(), "name": f.config.Handle()},
	}
	f.process(t, alice.ID, create(f.remote, alice, object))

	reply, ok := f.stored(t, object["id"].(string))
	require.True(t, ok)
	assert.True(t, reply.HasLocalMention)
	assert.True(t, reply.IsHiddenFromStream)
	require.NotNil(t, reply.Conversation)
	assert.Equal(t, *post.Conversation, *reply.Conversation)
	require.NotNil(t, reply.RelatesToInboxObjectID)

	post, err := f.store.GetOutboxObjectByID(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, post.RepliesCount)

	assert.Equal(t, []types.NotificationType{types.NotificationMention}, f.notifications(t))

	f.process(t, alice.ID, map[string]any{
		"id":     f.remote.URL("/deletes/reply"),
		"type":   "Delete",
		"actor":  alice.ID,
		"object": object["id"],
	})
	post, err = f.store.GetOutboxObjectByID(ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, post.RepliesCount)
}

func TestMentionInContentLinks(t *testing.T) {
	f := newFixture(t)
	alice := f.remote.AddActor(t, "alice", "")

	object := note(f.remote, alice, "/notes/1")
	object["content"] = `<p><a href="` + f.config.ActorID() + `">@me</a> look</p>`
	f.process(t, alice.ID, create(f.remote, alice, object))

	stored, ok := f.stored(t, object["id"].(string))
	require.True(t, ok)
	assert.True(t, stored.HasLocalMention)
}

func TestCreateAttributedToSomeoneElse(t *testing.T) {
	f := newFixture(t)
	alice := f.remote.AddActor(t, "alice", "")
	mallory := f.remote.AddActor(t, "mallory", "")

	object := note(f.remote, alice, "/notes/1")
	f.process(t, mallory.ID, create(f.remote, mallory, object))

	_, ok := f.stored(t, object["id"].(string))
	assert.False(t, ok)
}

func TestUpdateObject(t *testing.T) {
	f := newFixture(t)
	alice := f.remote.AddActor(t, "alice", "")

	object := note(f.remote, alice, "/notes/1")
	f.process(t, alice.ID, create(f.remote, alice, object))

	edited := note(f.remote, alice, "/notes/1")
	edited["content"] = "<p>edited</p>"
	f.process(t, alice.ID, map[string]any{
		"id":     f.remote.URL("/notes/1/update"),
		"type":   "Update",
		"actor":  alice.ID,
		"object": edited,
	})

	stored, ok := f.stored(t, object["id"].(string))
	require.True(t, ok)
	assert.Equal(t, "<p>edited</p>", stored.ApObject.MustGetString("content"))
}

func TestUpdateActor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.remote.AddActor(t, "alice", "")

	_, err := f.directory.Fetch(ctx, alice.ID)
	require.NoError(t, err)

	doc := types.NewRawApObj(alice.Doc).Clone().GetData()
	doc["name"] = "Alice Renamed"
	f.process(t, alice.ID, map[string]any{
		"id":     alice.ID + "#updates/1",
		"type":   "Update",
		"actor":  alice.ID,
		"object": doc,
	})

	updated, err := f.store.GetActorByApID(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice Renamed", updated.ApActor.MustGetString("name"))
}

func TestDeleteOfActor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.remote.AddActor(t, "alice", "")

	f.process(t, alice.ID, map[string]any{
		"id":     f.remote.URL("/activities/follow-1"),
		"type":   "Follow",
		"actor":  alice.ID,
		"object": f.config.ActorID(),
	})
	object := note(f.remote, alice, "/notes/1")
	f.process(t, alice.ID, create(f.remote, alice, object))

	// the actor document is gone, but the row is known
	f.remote.SetStatus("/users/alice", http.StatusGone)
	f.process(t, alice.ID, map[string]any{
		"id":     alice.ID + "#delete",
		"type":   "Delete",
		"actor":  alice.ID,
		"object": alice.ID,
	})

	deleted, err := f.store.GetActorByApID(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)

	followers, err := f.store.GetFollowers(ctx)
	require.NoError(t, err)
	assert.Empty(t, followers)

	stored, _ := f.stored(t, object["id"].(string))
	assert.True(t, stored.IsDeleted)
}

func TestDeleteOfLiveActorIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.remote.AddActor(t, "alice", "")

	f.process(t, alice.ID, map[string]any{
		"id":     f.remote.URL("/activities/follow-1"),
		"type":   "Follow",
		"actor":  alice.ID,
		"object": f.config.ActorID(),
	})
	del := map[string]any{
		"id":     alice.ID + "#delete",
		"type":   "Delete",
		"actor":  alice.ID,
		"object": alice.ID,
	}

	f.process(t, alice.ID, del)
	live, err := f.store.GetActorByApID(ctx, alice.ID)
	require.NoError(t, err)
	assert.False(t, live.IsDeleted)
	followers, err := f.store.GetFollowers(ctx)
	require.NoError(t, err)
	assert.Len(t, followers, 1)

	// a transient failure is retried rather than taken as proof
	f.remote.SetStatus("/users/alice", http.StatusBadGateway)
	assert.Error(t, f.processor.Process(ctx, alice.ID, types.NewRawApObj(del).Clone()))

	f.remote.SetStatus("/users/alice", http.StatusNotFound)
	f.process(t, alice.ID, del)
	deleted, err := f.store.GetActorByApID(ctx, alice.ID)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
}

func TestDeleteOfUnknownGoneActor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ghost := f.remote.URL("/users/ghost")
	f.remote.SetStatus("/users/ghost", http.StatusGone)

	f.process(t, ghost, map[string]any{
		"id":     ghost + "#delete",
		"type":   "Delete",
		"actor":  ghost,
		"object": ghost,
	})

	_, err := f.store.GetActorByApID(ctx, ghost)
	assert.True(t, store.IsNotFound(err))
}

func TestForwardedActivityIsRefetched(t *testing.T) {
	f := newFixture(t)
	alice := f.remote.AddActor(t, "alice", "")
	bob := f.remote.AddActor(t, "bob", "")

	original := create(f.remote, alice, note(f.remote, alice, "/notes/1"))
	f.remote.Put("/notes/1/activity", original)

	tampered := create(f.remote, alice, note(f.remote, alice, "/notes/1"))
	tampered["object"].(map[string]any)["content"] = "<p>tampered</p>"
	f.process(t, bob.ID, tampered)

	stored, ok := f.stored(t, f.remote.URL("/notes/1"))
	require.True(t, ok)
	assert.Equal(t, "<p>hi</p>", stored.ApObject.MustGetString("content"))

	// not fetchable from its origin: dropped
	unverifiable := create(f.remote, alice, note(f.remote, alice, "/notes/2"))
	f.process(t, bob.ID, unverifiable)
	_, ok = f.stored(t, f.remote.URL("/notes/2"))
	assert.False(t, ok)
}

func TestAnnounceOfUnknownObject(t *testing.T) {
	f := newFixture(t)
	alice := f.remote.AddActor(t, "alice", "")
	bob := f.remote.AddActor(t, "bob", "")

	noteURL := f.remote.Put("/notes/1", note(f.remote, alice, "/notes/1"))
	f.process(t, bob.ID, map[string]any{
		"id":     f.remote.URL("/announces/1"),
		"type":   "Announce",
		"actor":  bob.ID,
		"object": noteURL,
		"to":     []any{types.AsPublic},
	})

	announced, ok := f.stored(t, noteURL)
	require.True(t, ok)
	assert.True(t, announced.IsHiddenFromStream)
	assert.Equal(t, 1, announced.AnnouncesCount)
	assert.Equal(t, alice.ID, announced.Actor.ApID)

	announce, ok := f.stored(t, f.remote.URL("/announces/1"))
	require.True(t, ok)
	require.NotNil(t, announce.RelatesToInboxObjectID)
	assert.Equal(t, announced.ID, *announce.RelatesToInboxObjectID)
}

func TestMove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.remote.AddActor(t, "alice", "")
	moved := f.remote.AddActor(t, "alice2", "")
	moved.Doc["alsoKnownAs"] = []any{alice.ID}
	f.remote.Put("/users/alice2", moved.Doc)

	followID, err := f.composer.SendFollow(ctx, alice.ID)
	require.NoError(t, err)
	follow, err := f.store.GetOutboxObjectByPublicID(ctx, followID)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateFollowing(ctx, types.Following{
		ActorID:        *follow.RelatesToActorID,
		OutboxObjectID: follow.ID,
		ApActorID:      alice.ID,
	}))

	f.process(t, alice.ID, map[string]any{
		"id":     f.remote.URL("/moves/1"),
		"type":   "Move",
		"actor":  alice.ID,
		"object": alice.ID,
		"target": moved.ID,
	})

	following, err := f.store.GetFollowing(ctx)
	require.NoError(t, err)
	assert.Empty(t, following)

	var sent []types.ApType
	for _, activity := range f.queued(t) {
		o, err := f.store.GetOutboxObjectByID(ctx, *activity.OutboxObjectID)
		require.NoError(t, err)
		sent = append(sent, o.ApType)
	}
	assert.ElementsMatch(t, []types.ApType{types.TypeFollow, types.TypeUndo, types.TypeFollow}, sent)

	assert.Equal(t, []types.NotificationType{types.NotificationMove}, f.notifications(t))
}

func TestBlockedActorIsDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mallory := f.remote.AddActor(t, "mallory", "")

	_, err := f.composer.SendBlock(ctx, mallory.ID)
	require.NoError(t, err)

	object := note(f.remote, mallory, "/notes/1")
	f.process(t, mallory.ID, create(f.remote, mallory, object))

	_, ok := f.stored(t, object["id"].(string))
	assert.False(t, ok)
}

func TestUnsupportedTypesAreNotSaved(t *testing.T) {
	f := newFixture(t)
	alice := f.remote.AddActor(t, "alice", "")

	f.process(t, alice.ID, map[string]any{
		"id":     f.remote.URL("/views/1"),
		"type":   "View",
		"actor":  alice.ID,
		"object": f.remote.URL("/videos/1"),
	})

	_, ok := f.stored(t, f.remote.URL("/views/1"))
	assert.False(t, ok)
}

func (f *fixture) question(t *testing.T, multiple bool, endsIn time.Duration) types.OutboxObject {
	t.Helper()
	publicID, err := f.composer.SendCreate(context.Background(), outbox.CreateParams{
		Source:       "tabs or spaces?",
		Visibility:   types.VisibilityPublic,
		Type:         types.TypeQuestion,
		PollOptions:  []string{"tabs", "spaces"},
		PollMultiple: multiple,
		PollEndsIn:   endsIn,
	})
	require.NoError(t, err)
	question, err := f.store.GetOutboxObjectByPublicID(context.Background(), publicID)
	require.NoError(t, err)
	return question
}

func vote(remote *apclienttest.Remote, voter apclienttest.Actor, path string, question types.OutboxObject, name string) map[string]any {
	return create(remote, voter, map[string]any{
		"id":           remote.URL(path),
		"type":         "Note",
		"attributedTo": voter.ID,
		"name":         name,
		"inReplyTo":    question.ApID,
		"to":           []any{apclienttest.Config().ActorID()},
	})
}

// tally reads the per option totals and the voter count back from the stored question.
func (f *fixture) tally(t *testing.T, question types.OutboxObject, kind string) (map[string]int, int) {
	t.Helper()
	stored, err := f.store.GetOutboxObjectByID(context.Background(), question.ID)
	require.NoError(t, err)
	data := stored.ApObject.GetData()

	counts := map[string]int{}
	items, ok := data[kind].([]any)
	require.True(t, ok)
	for _, item := range items {
		option := item.(map[string]any)
		replies := option["replies"].(map[string]any)
		counts[option["name"].(string)] = int(replies["totalItems"].(float64))
	}
	return counts, int(data["votersCount"].(float64))
}

func TestPollVotesAreCounted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.remote.AddActor(t, "alice", "")
	bob := f.remote.AddActor(t, "bob", "")

	f.process(t, alice.ID, map[string]any{
		"id":     f.remote.URL("/activities/follow-1"),
		"type":   "Follow",
		"actor":  alice.ID,
		"object": f.config.ActorID(),
	})
	question := f.question(t, false, 0)

	f.process(t, alice.ID, vote(f.remote, alice, "/votes/1", question, "tabs"))
	counts, voters := f.tally(t, question, types.PollOneOf)
	assert.Equal(t, map[string]int{"tabs": 1, "spaces": 0}, counts)
	assert.Equal(t, 1, voters)

	// a second answer to a single choice poll and an unknown option are ignored
	f.process(t, alice.ID, vote(f.remote, alice, "/votes/2", question, "spaces"))
	f.process(t, bob.ID, vote(f.remote, bob, "/votes/3", question, "neither"))
	counts, voters = f.tally(t, question, types.PollOneOf)
	assert.Equal(t, map[string]int{"tabs": 1, "spaces": 0}, counts)
	assert.Equal(t, 1, voters)

	f.process(t, bob.ID, vote(f.remote, bob, "/votes/4", question, "spaces"))
	counts, voters = f.tally(t, question, types.PollOneOf)
	assert.Equal(t, map[string]int{"tabs": 1, "spaces": 1}, counts)
	assert.Equal(t, 2, voters)

	stored, err := f.store.GetOutboxObjectByID(ctx, question.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.RepliesCount)
	_, ok := stored.ApObject.GetString("updated")
	assert.True(t, ok)

	answer, ok := f.stored(t, f.remote.URL("/votes/1"))
	require.True(t, ok)
	assert.True(t, answer.IsTransient)

	// every counted vote federates the new totals to the followers
	var updates int
	for _, task := range f.queued(t) {
		if task.OutboxObjectID == nil {
			continue
		}
		object, err := f.store.GetOutboxObjectByID(ctx, *task.OutboxObjectID)
		require.NoError(t, err)
		if object.ApType == types.TypeUpdate && object.ApObject.ObjectID() == question.ApID {
			assert.Equal(t, alice.Inbox, task.Recipient)
			updates++
		}
	}
	assert.Equal(t, 2, updates)
}

func TestPollVotesOnMultipleChoice(t *testing.T) {
	f := newFixture(t)
	alice := f.remote.AddActor(t, "alice", "")
	question := f.question(t, true, 0)

	f.process(t, alice.ID, vote(f.remote, alice, "/votes/1", question, "tabs"))
	f.process(t, alice.ID, vote(f.remote, alice, "/votes/2", question, "spaces"))
	// the same answer again does not count twice
	f.process(t, alice.ID, vote(f.remote, alice, "/votes/3", question, "spaces"))

	counts, voters := f.tally(t, question, types.PollAnyOf)
	assert.Equal(t, map[string]int{"tabs": 1, "spaces": 1}, counts)
	assert.Equal(t, 1, voters)
}

func TestVoteOnClosedPollIsIgnored(t *testing.T) {
	f := newFixture(t)
	alice := f.remote.AddActor(t, "alice", "")
	// the end time is rendered to the second, so it has already passed
	question := f.question(t, false, time.Nanosecond)

	f.process(t, alice.ID, vote(f.remote, alice, "/votes/1", question, "tabs"))

	stored, err := f.store.GetOutboxObjectByID(context.Background(), question.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, stored.ApObject.GetData()["votersCount"])
}
