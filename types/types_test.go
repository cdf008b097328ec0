package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, body string) *RawApObj {
	t.Helper()
	obj, err := LoadAsRawApObj([]byte(body))
	require.NoError(t, err)
	return obj
}

func TestObjectVisibility(t *testing.T) {
	const followers = "https://remote.example/users/alice/followers"

	tests := []struct {
		name string
		body string
		want Visibility
	}{
		{"public in to", `{"to":["https://www.w3.org/ns/activitystreams#Public"],"cc":[]}`, VisibilityPublic},
		{"compact public", `{"to":"as:Public"}`, VisibilityPublic},
		{"public in cc", `{"to":["` + followers + `"],"cc":["https://www.w3.org/ns/activitystreams#Public"]}`, VisibilityUnlisted},
		{"followers only", `{"to":["` + followers + `"],"cc":["https://remote.example/users/bob"]}`, VisibilityFollowersOnly},
		{"direct", `{"to":["https://remote.example/users/bob"]}`, VisibilityDirect},
		{"no audience", `{}`, VisibilityDirect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ObjectVisibility(load(t, tt.body), followers))
		})
	}

	// an unknown followers collection cannot make a post followers-only
	assert.Equal(t, VisibilityDirect, ObjectVisibility(load(t, `{"to":["`+followers+`"]}`), ""))
}

func TestParseVisibility(t *testing.T) {
	v, ok := ParseVisibility("FOLLOWERS_ONLY")
	assert.True(t, ok)
	assert.Equal(t, VisibilityFollowersOnly, v)

	_, ok = ParseVisibility("public")
	assert.False(t, ok)
}

func TestReferences(t *testing.T) {
	obj := load(t, `{
		"id": "https://remote.example/activities/1",
		"type": "Create",
		"actor": {"id": "https://remote.example/users/alice", "type": "Person"},
		"object": {"id": "https://remote.example/notes/1", "type": "Note", "inReplyTo": null},
		"to": "https://remote.example/users/bob",
		"cc": [{"id": "https://remote.example/users/carol"}, "https://remote.example/users/dave"],
		"bcc": []
	}`)

	assert.Equal(t, TypeCreate, obj.Type())
	assert.Equal(t, "https://remote.example/users/alice", obj.ActorID())
	assert.Equal(t, "https://remote.example/notes/1", obj.ObjectID())
	assert.Equal(t, []string{
		"https://remote.example/users/bob",
		"https://remote.example/users/carol",
		"https://remote.example/users/dave",
	}, obj.Recipients())

	inner, ok := obj.Object()
	require.True(t, ok)
	assert.Nil(t, inner.InReplyTo())

	reply := load(t, `{"type":"Note","attributedTo":"https://remote.example/users/alice","inReplyTo":"https://local.example/o/1"}`)
	require.NotNil(t, reply.InReplyTo())
	assert.Equal(t, "https://local.example/o/1", *reply.InReplyTo())
	assert.Equal(t, "https://remote.example/users/alice", reply.ActorID())
}

func TestContentHashIsStable(t *testing.T) {
	a := load(t, `{"type":"Follow","actor":"https://remote.example/users/alice","object":"https://local.example"}`)
	b := load(t, `{"object":"https://local.example","actor":"https://remote.example/users/alice","type":"Follow"}`)
	c := load(t, `{"type":"Follow","actor":"https://remote.example/users/bob","object":"https://local.example"}`)

	assert.Equal(t, a.ContentHash(), b.ContentHash())
	assert.NotEqual(t, a.ContentHash(), c.ContentHash())
	assert.Len(t, a.ContentHash(), 64)
}

func TestWrapObjectIfNeeded(t *testing.T) {
	note := load(t, `{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://local.example/o/abc",
		"type": "Note",
		"attributedTo": "https://local.example",
		"to": ["https://www.w3.org/ns/activitystreams#Public"],
		"published": "2024-05-01T10:00:00Z"
	}`)

	create := WrapObjectIfNeeded(note)
	assert.Equal(t, TypeCreate, create.Type())
	assert.Equal(t, "https://local.example/o/abc/activity", create.ID())
	assert.Equal(t, "https://local.example", create.ActorID())
	assert.Equal(t, note.GetList("to"), create.GetList("to"))
	inner, ok := create.Object()
	require.True(t, ok)
	_, hasContext := inner.GetData()["@context"]
	assert.False(t, hasContext)
	_, stillHasContext := note.GetData()["@context"]
	assert.True(t, stillHasContext)

	// an edited object still comes back in the envelope it was created in
	note.Set("updated", "2024-05-02T10:00:00Z")
	edited := WrapObjectIfNeeded(note)
	assert.Equal(t, TypeCreate, edited.Type())
	assert.Equal(t, "https://local.example/o/abc/activity", edited.ID())

	like := load(t, `{"id":"https://local.example/o/l","type":"Like","object":"https://remote.example/notes/1"}`)
	assert.Same(t, like, WrapObjectIfNeeded(like))
}
