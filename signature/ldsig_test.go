package signature

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/piprate/json-gold/ld"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/concrnt/apnode/types"
)

type staticLoader map[string]any

func (l staticLoader) LoadDocument(u string) (*ld.RemoteDocument, error) {
	doc, ok := l[u]
	if !ok {
		return nil, ld.NewJsonLdError(ld.LoadingDocumentFailed, u)
	}
	return &ld.RemoteDocument{DocumentURL: u, Document: doc}, nil
}

func testContexts() staticLoader {
	return staticLoader{
		types.ActivityStreamsContext: map[string]any{
			"@context": map[string]any{
				"@vocab": "https://www.w3.org/ns/activitystreams#",
				"id":     "@id",
				"type":   "@type",
			},
		},
		types.SecurityContext: map[string]any{
			"@context": map[string]any{
				"@vocab": "https://w3id.org/security#",
				"id":     "@id",
				"type":   "@type",
			},
		},
	}
}

func testActivity(t *testing.T) *types.RawApObj {
	t.Helper()
	doc, err := types.LoadAsRawApObj([]byte(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://local.example/o/abc/activity",
		"type": "Create",
		"actor": "https://local.example",
		"object": {
			"id": "https://local.example/o/abc",
			"type": "Note",
			"content": "hello"
		}
	}`))
	require.NoError(t, err)
	return doc
}

func TestLDSignature(t *testing.T) {
	key, _ := testKeys(t)
	signer := NewLDSigner(key, testContexts())
	signer.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	doc := testActivity(t)
	require.NoError(t, signer.Sign(doc))

	sig, ok := doc.GetRaw("signature")
	require.True(t, ok)
	assert.Equal(t, "RsaSignature2017", sig.MustGetString("type"))
	assert.Equal(t, "https://local.example#main-key", sig.MustGetString("creator"))
	assert.Equal(t, "2024-01-02T03:04:05Z", sig.MustGetString("created"))
	assert.NotEmpty(t, sig.MustGetString("signatureValue"))

	fetcher := &stubFetcher{cached: &key.PublicKey}
	valid, err := signer.Verify(context.Background(), doc, fetcher)
	require.NoError(t, err)
	assert.True(t, valid)

	tampered := doc.Clone()
	tampered.Set("object", map[string]any{
		"id":      "https://local.example/o/abc",
		"type":    "Note",
		"content": "goodbye",
	})
	valid, err = signer.Verify(context.Background(), tampered, fetcher)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestLDSignatureMissing(t *testing.T) {
	key, _ := testKeys(t)
	signer := NewLDSigner(key, testContexts())

	valid, err := signer.Verify(context.Background(), testActivity(t), &stubFetcher{cached: &key.PublicKey})
	require.NoError(t, err)
	assert.False(t, valid)
}

// slowLoader answers like a remote server and counts the loads of each URL.
type slowLoader struct {
	loader ld.DocumentLoader

	mu    sync.Mutex
	calls map[string]int
}

func (l *slowLoader) LoadDocument(u string) (*ld.RemoteDocument, error) {
	l.mu.Lock()
	l.calls[u]++
	l.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	return l.loader.LoadDocument(u)
}

func TestLDSignerIsSafeForConcurrentUse(t *testing.T) {
	key, _ := testKeys(t)
	loader := &slowLoader{loader: testContexts(), calls: map[string]int{}}
	signer := NewLDSigner(key, loader)

	docs := make([]*types.RawApObj, 8)
	for i := range docs {
		docs[i] = testActivity(t)
	}

	var g errgroup.Group
	for _, doc := range docs {
		g.Go(func() error {
			return signer.Sign(doc)
		})
	}
	require.NoError(t, g.Wait())

	loader.mu.Lock()
	defer loader.mu.Unlock()
	require.NotEmpty(t, loader.calls)
	for u, n := range loader.calls {
		assert.Equal(t, 1, n, u)
	}
	for _, doc := range docs {
		_, ok := doc.GetRaw("signature")
		assert.True(t, ok)
	}
}
