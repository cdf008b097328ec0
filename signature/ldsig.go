package signature

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/piprate/json-gold/ld"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/concrnt/apnode/types"
)

const ldSignatureType = "RsaSignature2017"

// LDSigner embeds and checks Linked-Data signatures, which survive relaying
// through third parties unlike HTTP signatures.
type LDSigner struct {
	key    *rsa.PrivateKey
	proc   *ld.JsonLdProcessor
	loader ld.DocumentLoader
	now    func() time.Time
}

// NewLDSigner returns a signer using loader to resolve JSON-LD contexts.
// A nil loader fetches contexts over HTTP. Loaded contexts are kept for the process lifetime.
// The signer is shared by every worker, so it is safe for concurrent use.
func NewLDSigner(key *rsa.PrivateKey, loader ld.DocumentLoader) *LDSigner {
	if loader == nil {
		loader = ld.NewDefaultDocumentLoader(&http.Client{Timeout: 15 * time.Second})
	}
	return &LDSigner{
		key:    key,
		proc:   ld.NewJsonLdProcessor(),
		loader: newContextCache(loader),
		now:    time.Now,
	}
}

// contextCache memoizes a DocumentLoader. Concurrent loads of one URL share a single fetch.
type contextCache struct {
	loader ld.DocumentLoader
	group  singleflight.Group

	mu   sync.RWMutex
	docs map[string]*ld.RemoteDocument
}

func newContextCache(loader ld.DocumentLoader) *contextCache {
	return &contextCache{
		loader: loader,
		docs:   map[string]*ld.RemoteDocument{},
	}
}

func (c *contextCache) LoadDocument(u string) (*ld.RemoteDocument, error) {
	c.mu.RLock()
	doc, ok := c.docs[u]
	c.mu.RUnlock()
	if ok {
		return doc, nil
	}

	result, err, _ := c.group.Do(u, func() (any, error) {
		doc, err := c.loader.LoadDocument(u)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.docs[u] = doc
		c.mu.Unlock()
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*ld.RemoteDocument), nil
}

// Sign adds a signature block to doc, created by the key of doc's actor.
func (s *LDSigner) Sign(doc *types.RawApObj) error {
	options := map[string]any{
		"type":    ldSignatureType,
		"creator": doc.ActorID() + "#main-key",
		"created": s.now().UTC().Format("2006-01-02T15:04:05Z"),
	}
	doc.Set("signature", options)

	toSign, err := s.toBeSigned(doc)
	if err != nil {
		doc.Delete("signature")
		return err
	}

	hashed := sha256.Sum256([]byte(toSign))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, hashed[:])
	if err != nil {
		doc.Delete("signature")
		return errors.Wrap(err, "failed to sign document")
	}
	options["signatureValue"] = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// Verify checks the embedded signature of doc against the creator's key.
func (s *LDSigner) Verify(ctx context.Context, doc *types.RawApObj, keys KeyFetcher) (bool, error) {
	sigBlock, ok := doc.GetRaw("signature")
	if !ok {
		return false, nil
	}
	creator := sigBlock.MustGetString("creator")
	value := sigBlock.MustGetString("signatureValue")
	if creator == "" || value == "" {
		return false, nil
	}

	sig, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return false, nil
	}

	key, err := keys.FetchKey(ctx, creator, false)
	if err != nil {
		return false, errors.Wrap(err, "failed to fetch signature creator key")
	}

	toSign, err := s.toBeSigned(doc)
	if err != nil {
		return false, err
	}
	return verifyRSA(key.Key, toSign, sig), nil
}

func (s *LDSigner) toBeSigned(doc *types.RawApObj) (string, error) {
	optionsHash, err := s.optionsHash(doc)
	if err != nil {
		return "", err
	}
	docHash, err := s.docHash(doc)
	if err != nil {
		return "", err
	}
	return optionsHash + docHash, nil
}

func (s *LDSigner) optionsHash(doc *types.RawApObj) (string, error) {
	sigBlock, ok := doc.GetRaw("signature")
	if !ok {
		return "", errors.New("document has no signature block")
	}
	options := sigBlock.Clone()
	for _, k := range []string{"type", "id", "signatureValue"} {
		options.Delete(k)
	}
	options.Set("@context", types.SecurityContext)
	return s.normalizedHash(options.GetData())
}

func (s *LDSigner) docHash(doc *types.RawApObj) (string, error) {
	unsigned := doc.Clone()
	unsigned.Delete("signature")
	return s.normalizedHash(unsigned.GetData())
}

func (s *LDSigner) normalizedHash(data map[string]any) (string, error) {
	opts := ld.NewJsonLdOptions("")
	opts.Algorithm = "URDNA2015"
	opts.Format = "application/n-quads"
	opts.DocumentLoader = s.loader

	normalized, err := s.proc.Normalize(data, opts)
	if err != nil {
		return "", errors.Wrap(err, "failed to normalize document")
	}
	str, ok := normalized.(string)
	if !ok {
		return "", errors.New("unexpected normalization output")
	}
	sum := sha256.Sum256([]byte(str))
	return hex.EncodeToString(sum[:]), nil
}
