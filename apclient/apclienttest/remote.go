// Package apclienttest runs a fake federated server for package tests.
package apclienttest

import (
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/concrnt/apnode/apclient"
	"github.com/concrnt/apnode/signature"
	"github.com/concrnt/apnode/types"
)

var (
	keyOnce sync.Once
	keyPEM  string
	pubPEM  string
	key     *rsa.PrivateKey
)

// Key returns a process-wide RSA key pair. Generating one per actor makes tests slow.
func Key(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		keyPEM, pubPEM, err = signature.GenerateKey(2048)
		require.NoError(t, err)
		key, err = signature.ParsePrivateKey(keyPEM)
		require.NoError(t, err)
	})
	return key, pubPEM
}

// Config is the local actor used by tests.
func Config() types.ApConfig {
	return types.ApConfig{
		FQDN:     "local.example",
		Username: "me",
		Name:     "Local",
	}
}

// Delivery is one POST received by a fake inbox.
type Delivery struct {
	Path   string
	Header http.Header
	Body   []byte
}

// Remote serves documents and inboxes over TLS.
type Remote struct {
	*httptest.Server

	mu          sync.Mutex
	docs        map[string]any
	status      map[string]int
	hits        map[string]int
	deliveries  []Delivery
	inboxStatus int
}

func NewRemote(t *testing.T) *Remote {
	t.Helper()
	r := &Remote{
		docs:        map[string]any{},
		status:      map[string]int{},
		hits:        map[string]int{},
		inboxStatus: http.StatusAccepted,
	}
	r.Server = httptest.NewTLSServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.Close)
	return r
}

func (r *Remote) serve(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()

	path := req.URL.Path
	r.hits[path]++

	if code, ok := r.status[path]; ok {
		w.WriteHeader(code)
		return
	}

	if req.Method == http.MethodPost {
		body, _ := io.ReadAll(req.Body)
		r.deliveries = append(r.deliveries, Delivery{Path: path, Header: req.Header.Clone(), Body: body})
		w.WriteHeader(r.inboxStatus)
		return
	}

	doc, ok := r.docs[path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", types.ActivityJSON)
	_ = json.NewEncoder(w).Encode(doc)
}

// URL returns the absolute URL of path.
func (r *Remote) URL(path string) string {
	return r.Server.URL + path
}

// Put serves doc at path and returns its URL.
func (r *Remote) Put(path string, doc map[string]any) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[path] = doc
	return r.URL(path)
}

// SetStatus makes path answer with code and nothing else.
func (r *Remote) SetStatus(path string, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[path] = code
}

func (r *Remote) ClearStatus(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.status, path)
}

// SetInboxStatus sets the answer of every inbox POST.
func (r *Remote) SetInboxStatus(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inboxStatus = code
}

func (r *Remote) Hits(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits[path]
}

func (r *Remote) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.deliveries...)
}

// Actor is a fake remote actor.
type Actor struct {
	ID          string
	KeyID       string
	Inbox       string
	Followers   string
	SharedInbox string
	Key         *rsa.PrivateKey
	Doc         map[string]any
}

// Signer signs requests as the actor.
func (a Actor) Signer() *signature.Signer {
	return signature.NewSigner(a.Key, a.KeyID, "remote-test/1.0")
}

// AddActor serves a Person at /users/<name>. A non-empty sharedInbox path is advertised as
// the actor's shared inbox.
func (r *Remote) AddActor(t *testing.T, name string, sharedInbox string) Actor {
	t.Helper()
	priv, pub := Key(t)

	path := "/users/" + name
	actor := Actor{
		ID:        r.URL(path),
		KeyID:     r.URL(path) + "#main-key",
		Inbox:     r.URL(path + "/inbox"),
		Followers: r.URL(path + "/followers"),
		Key:       priv,
	}

	doc := map[string]any{
		"@context":          []any{types.ActivityStreamsContext, types.SecurityContext},
		"id":                actor.ID,
		"type":              "Person",
		"preferredUsername": name,
		"name":              strings.ToUpper(name[:1]) + name[1:],
		"inbox":             actor.Inbox,
		"outbox":            r.URL(path + "/outbox"),
		"followers":         actor.Followers,
		"following":         r.URL(path + "/following"),
		"publicKey": map[string]any{
			"id":           actor.KeyID,
			"owner":        actor.ID,
			"publicKeyPem": pub,
		},
	}
	if sharedInbox != "" {
		actor.SharedInbox = r.URL(sharedInbox)
		doc["endpoints"] = map[string]any{"sharedInbox": actor.SharedInbox}
	}
	actor.Doc = doc
	r.Put(path, doc)
	return actor
}

// Client returns an ApClient trusting the fake server, signing as the local test actor.
func (r *Remote) Client(t *testing.T) *apclient.ApClient {
	t.Helper()
	priv, _ := Key(t)
	signer := signature.NewSigner(priv, Config().KeyID(), apclient.UserAgent)
	return apclient.NewApClient(r.Server.Client(), signer, nil, zap.NewNop())
}
