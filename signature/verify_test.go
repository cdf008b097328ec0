package signature

import (
	"bytes"
	"context"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/concrnt/apnode/types"
)

const (
	remoteActor = "https://remote.example/users/alice"
	remoteKeyID = remoteActor + "#main-key"
)

var (
	keyOnce sync.Once
	keyA    *rsa.PrivateKey
	keyB    *rsa.PrivateKey
)

func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	keyOnce.Do(func() {
		privA, _, err := GenerateKey(2048)
		require.NoError(t, err)
		privB, _, err := GenerateKey(2048)
		require.NoError(t, err)
		keyA, err = ParsePrivateKey(privA)
		require.NoError(t, err)
		keyB, err = ParsePrivateKey(privB)
		require.NoError(t, err)
	})
	return keyA, keyB
}

type stubFetcher struct {
	mu      sync.Mutex
	cached  *rsa.PublicKey
	fresh   *rsa.PublicKey
	err     error
	calls   int
	skipped int
}

func (f *stubFetcher) FetchKey(ctx context.Context, keyID string, skipCache bool) (PublicKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return PublicKey{}, f.err
	}
	key := f.cached
	if skipCache {
		f.skipped++
		if f.fresh != nil {
			key = f.fresh
		}
	}
	return PublicKey{KeyID: keyID, OwnerID: remoteActor, Key: key}, nil
}

func newTestVerifier(t *testing.T, fetcher KeyFetcher, config types.ApConfig) *Verifier {
	t.Helper()
	v, err := NewVerifier(fetcher, 16, config, zap.NewNop())
	require.NoError(t, err)
	return v
}

// signedInboxRequest signs a POST as the remote actor and replays it as the server sees it.
func signedInboxRequest(t *testing.T, key *rsa.PrivateKey, body []byte) *http.Request {
	t.Helper()
	out, err := http.NewRequest(http.MethodPost, "https://local.example/inbox", bytes.NewReader(body))
	require.NoError(t, err)
	require.NoError(t, NewSigner(key, remoteKeyID, "test/1.0").SignRequest(out, body))

	in := httptest.NewRequest(http.MethodPost, "https://local.example/inbox", bytes.NewReader(body))
	in.Header = out.Header.Clone()
	return in
}

func TestVerifySignedRequest(t *testing.T) {
	key, _ := testKeys(t)
	body := []byte(`{"type":"Follow","actor":"` + remoteActor + `"}`)

	fetcher := &stubFetcher{cached: &key.PublicKey}
	v := newTestVerifier(t, fetcher, types.ApConfig{FQDN: "local.example"})

	req := signedInboxRequest(t, key, body)
	assert.Contains(t, req.Header.Get("Signature"), `keyId="`+remoteKeyID+`"`)
	assert.Contains(t, req.Header.Get("Signature"), "(request-target) user-agent host date digest content-type")

	result := v.Verify(context.Background(), req, body)
	assert.Equal(t, StatusValid, result.Status)
	assert.Equal(t, remoteActor, result.SignerID)
	assert.Equal(t, remoteKeyID, result.KeyID)

	// second verification is served from the key cache
	result = v.Verify(context.Background(), req, body)
	assert.True(t, result.Valid())
	assert.Equal(t, 1, fetcher.calls)
}

func TestVerifyDetectsTampering(t *testing.T) {
	key, _ := testKeys(t)
	body := []byte(`{"type":"Like"}`)

	t.Run("body with stale digest header", func(t *testing.T) {
		v := newTestVerifier(t, &stubFetcher{cached: &key.PublicKey}, types.ApConfig{})
		req := signedInboxRequest(t, key, body)
		assert.Equal(t, StatusInvalid, v.Verify(context.Background(), req, []byte(`{"type":"Announce"}`)).Status)
	})

	t.Run("body without digest header", func(t *testing.T) {
		v := newTestVerifier(t, &stubFetcher{cached: &key.PublicKey}, types.ApConfig{})
		req := signedInboxRequest(t, key, body)
		req.Header.Del("Digest")
		assert.Equal(t, StatusInvalid, v.Verify(context.Background(), req, []byte(`{"type":"Announce"}`)).Status)
	})

	t.Run("signed header", func(t *testing.T) {
		v := newTestVerifier(t, &stubFetcher{cached: &key.PublicKey}, types.ApConfig{})
		req := signedInboxRequest(t, key, body)
		req.Header.Set("Date", time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat))
		assert.Equal(t, StatusInvalid, v.Verify(context.Background(), req, body).Status)
	})

	t.Run("host", func(t *testing.T) {
		v := newTestVerifier(t, &stubFetcher{cached: &key.PublicKey}, types.ApConfig{})
		req := signedInboxRequest(t, key, body)
		req.Host = "other.example"
		assert.Equal(t, StatusInvalid, v.Verify(context.Background(), req, body).Status)
	})
}

func TestVerifyClassification(t *testing.T) {
	key, _ := testKeys(t)
	body := []byte(`{}`)

	t.Run("no signature", func(t *testing.T) {
		v := newTestVerifier(t, &stubFetcher{}, types.ApConfig{})
		req := httptest.NewRequest(http.MethodPost, "/inbox", bytes.NewReader(body))
		assert.Equal(t, StatusNoSignature, v.Verify(context.Background(), req, body).Status)
	})

	t.Run("unsupported algorithm", func(t *testing.T) {
		v := newTestVerifier(t, &stubFetcher{}, types.ApConfig{})
		req := signedInboxRequest(t, key, body)
		req.Header.Set("Signature", `keyId="`+remoteKeyID+`",algorithm="ed25519",headers="date",signature="AAAA"`)
		assert.Equal(t, StatusUnsupportedAlgorithm, v.Verify(context.Background(), req, body).Status)
	})

	t.Run("expired", func(t *testing.T) {
		fetcher := &stubFetcher{cached: &key.PublicKey}
		v := newTestVerifier(t, fetcher, types.ApConfig{})
		v.now = func() time.Time { return time.Now().Add(13 * time.Hour) }
		req := signedInboxRequest(t, key, body)
		assert.Equal(t, StatusExpired, v.Verify(context.Background(), req, body).Status)
		assert.Zero(t, fetcher.calls)
	})

	t.Run("blocked server", func(t *testing.T) {
		fetcher := &stubFetcher{cached: &key.PublicKey}
		v := newTestVerifier(t, fetcher, types.ApConfig{BlockedServers: []string{"remote.example"}})
		req := signedInboxRequest(t, key, body)
		result := v.Verify(context.Background(), req, body)
		assert.Equal(t, StatusBlockedServer, result.Status)
		assert.Equal(t, http.StatusForbidden, result.Status.HTTPStatus())
		assert.Zero(t, fetcher.calls)
	})

	t.Run("actor gone", func(t *testing.T) {
		v := newTestVerifier(t, &stubFetcher{err: types.ErrObjectIsGone}, types.ApConfig{})
		req := signedInboxRequest(t, key, body)
		assert.Equal(t, StatusActorGone, v.Verify(context.Background(), req, body).Status)
	})

	t.Run("actor not found", func(t *testing.T) {
		v := newTestVerifier(t, &stubFetcher{err: types.ErrObjectNotFound}, types.ApConfig{})
		req := signedInboxRequest(t, key, body)
		assert.Equal(t, StatusActorNotFound, v.Verify(context.Background(), req, body).Status)
	})
}

func TestVerifyRefetchesRotatedKeyOnce(t *testing.T) {
	oldKey, newKey := testKeys(t)
	body := []byte(`{"type":"Create"}`)

	fetcher := &stubFetcher{cached: &oldKey.PublicKey, fresh: &newKey.PublicKey}
	v := newTestVerifier(t, fetcher, types.ApConfig{})

	result := v.Verify(context.Background(), signedInboxRequest(t, newKey, body), body)
	assert.Equal(t, StatusValid, result.Status)
	assert.Equal(t, 2, fetcher.calls)
	assert.Equal(t, 1, fetcher.skipped)

	// a bad signature costs at most one bypass per attempt
	fetcher = &stubFetcher{cached: &oldKey.PublicKey}
	v = newTestVerifier(t, fetcher, types.ApConfig{})
	result = v.Verify(context.Background(), signedInboxRequest(t, newKey, body), body)
	assert.Equal(t, StatusInvalid, result.Status)
	assert.Equal(t, 1, fetcher.skipped)
}

func TestParseSignatureHeader(t *testing.T) {
	params, err := parseSignatureHeader(`keyId="https://a.example/u#k",algorithm="hs2019",created=1700000000,headers="(request-target) (created) Host",signature="c2lnPT0="`)
	require.NoError(t, err)
	assert.Equal(t, "https://a.example/u#k", params.keyID)
	assert.Equal(t, "1700000000", params.created)
	assert.Equal(t, []string{"(request-target)", "(created)", "host"}, params.headers)
	assert.Equal(t, "c2lnPT0=", params.signature)

	_, err = parseSignatureHeader(`algorithm="rsa-sha256"`)
	assert.Error(t, err)
}
