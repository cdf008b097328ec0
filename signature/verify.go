package signature

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/concrnt/apnode/types"
)

var tracer = otel.Tracer("signature")

// MaxSignatureAge bounds how old a signed request may be.
const MaxSignatureAge = 12 * time.Hour

type Status int

const (
	StatusValid Status = iota
	StatusNoSignature
	StatusUnsupportedAlgorithm
	StatusExpired
	StatusInvalid
	StatusActorGone
	StatusActorNotFound
	StatusBlockedServer
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusNoSignature:
		return "no-signature"
	case StatusUnsupportedAlgorithm:
		return "unsupported-algorithm"
	case StatusExpired:
		return "expired"
	case StatusInvalid:
		return "invalid"
	case StatusActorGone:
		return "actor-gone"
	case StatusActorNotFound:
		return "actor-not-found"
	case StatusBlockedServer:
		return "blocked-server"
	}
	return "unknown"
}

// HTTPStatus maps a verification failure to the status returned to the sender.
func (s Status) HTTPStatus() int {
	switch s {
	case StatusValid:
		return http.StatusAccepted
	case StatusBlockedServer:
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

// Result is the outcome of verifying one request.
type Result struct {
	Status   Status
	KeyID    string
	SignerID string
}

func (r Result) Valid() bool {
	return r.Status == StatusValid
}

// PublicKey is a resolved actor key.
type PublicKey struct {
	KeyID   string
	OwnerID string
	Key     *rsa.PublicKey
}

// KeyFetcher resolves a key id to the key of its owning actor.
// skipCache forces a fresh fetch from the origin.
type KeyFetcher interface {
	FetchKey(ctx context.Context, keyID string, skipCache bool) (PublicKey, error)
}

type signatureParams struct {
	keyID     string
	algorithm string
	headers   []string
	signature string
	created   string
	expires   string
}

// Verifier authenticates inbound requests.
type Verifier struct {
	fetcher KeyFetcher
	keys    *lru.Cache
	config  types.ApConfig
	logger  *zap.Logger
	now     func() time.Time
}

func NewVerifier(fetcher KeyFetcher, cacheSize int, config types.ApConfig, logger *zap.Logger) (*Verifier, error) {
	keys, err := lru.New(cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create key cache")
	}
	return &Verifier{
		fetcher: fetcher,
		keys:    keys,
		config:  config,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Verify checks the HTTP signature of r over body.
func (v *Verifier) Verify(ctx context.Context, r *http.Request, body []byte) Result {
	ctx, span := tracer.Start(ctx, "Signature.Verifier.Verify")
	defer span.End()

	header := r.Header.Get("Signature")
	if header == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Signature ") {
			header = strings.TrimPrefix(auth, "Signature ")
		}
	}
	if header == "" {
		return Result{Status: StatusNoSignature}
	}

	params, err := parseSignatureHeader(header)
	if err != nil {
		v.logger.Info("malformed signature header", zap.Error(err))
		return Result{Status: StatusInvalid}
	}
	result := Result{KeyID: params.keyID}

	switch strings.ToLower(params.algorithm) {
	case "rsa-sha256", "hs2019":
	default:
		result.Status = StatusUnsupportedAlgorithm
		return result
	}

	if keyURL, err := url.Parse(params.keyID); err == nil && v.config.IsBlockedServer(keyURL.Hostname()) {
		result.Status = StatusBlockedServer
		return result
	}

	digest := BodyDigest(body)
	if !digestMatches(r.Header.Values("Digest"), digest) {
		v.logger.Info("digest mismatch", zap.String("keyId", params.keyID))
		result.Status = StatusInvalid
		return result
	}

	if v.isExpired(r, params) {
		result.Status = StatusExpired
		return result
	}

	signed, err := buildSignedString(r, params, digest)
	if err != nil {
		v.logger.Info("failed to build signed string", zap.String("keyId", params.keyID), zap.Error(err))
		result.Status = StatusInvalid
		return result
	}

	sig, err := base64.StdEncoding.DecodeString(params.signature)
	if err != nil {
		result.Status = StatusInvalid
		return result
	}

	key, status := v.getKey(ctx, params.keyID, false)
	if status != StatusValid {
		result.Status = status
		return result
	}

	if !verifyRSA(key.Key, signed, sig) {
		// the key may have been rotated; bypass caches exactly once
		v.keys.Remove(params.keyID)
		key, status = v.getKey(ctx, params.keyID, true)
		if status != StatusValid {
			result.Status = status
			return result
		}
		if !verifyRSA(key.Key, signed, sig) {
			result.Status = StatusInvalid
			return result
		}
	}

	result.Status = StatusValid
	result.SignerID = key.OwnerID
	return result
}

func (v *Verifier) getKey(ctx context.Context, keyID string, skipCache bool) (PublicKey, Status) {
	if !skipCache {
		if cached, ok := v.keys.Get(keyID); ok {
			return cached.(PublicKey), StatusValid
		}
	}

	key, err := v.fetcher.FetchKey(ctx, keyID, skipCache)
	switch {
	case err == nil:
	case errors.Is(err, types.ErrObjectIsGone):
		return PublicKey{}, StatusActorGone
	default:
		v.logger.Info("failed to fetch key", zap.String("keyId", keyID), zap.Error(err))
		return PublicKey{}, StatusActorNotFound
	}

	v.keys.Add(keyID, key)
	return key, StatusValid
}

// Forget drops a cached key.
func (v *Verifier) Forget(keyID string) {
	v.keys.Remove(keyID)
}

func (v *Verifier) isExpired(r *http.Request, params signatureParams) bool {
	now := v.now()

	var ts time.Time
	if params.created != "" {
		sec, err := strconv.ParseInt(params.created, 10, 64)
		if err != nil {
			return true
		}
		ts = time.Unix(sec, 0)
	} else {
		date := r.Header.Get("Date")
		if date == "" {
			return true
		}
		parsed, err := http.ParseTime(date)
		if err != nil {
			return true
		}
		ts = parsed
	}

	if now.Sub(ts) > MaxSignatureAge {
		return true
	}

	if params.expires != "" {
		sec, err := strconv.ParseInt(params.expires, 10, 64)
		if err != nil || now.After(time.Unix(sec, 0)) {
			return true
		}
	}
	return false
}

// BodyDigest returns the Digest header value for body.
func BodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// digestMatches validates an optional Digest header. Digests in algorithms other than
// SHA-256 are not checked.
func digestMatches(values []string, expected string) bool {
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			alg, _, ok := strings.Cut(part, "=")
			if !ok || !strings.EqualFold(alg, "SHA-256") {
				continue
			}
			if "SHA-256="+part[len(alg)+1:] != expected {
				return false
			}
		}
	}
	return true
}

func parseSignatureHeader(header string) (signatureParams, error) {
	var params signatureParams
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return params, errors.Errorf("invalid signature parameter %q", part)
		}
		value = strings.Trim(value, `"`)
		switch strings.ToLower(key) {
		case "keyid":
			params.keyID = value
		case "algorithm":
			params.algorithm = value
		case "headers":
			params.headers = strings.Fields(strings.ToLower(value))
		case "signature":
			params.signature = value
		case "created":
			params.created = value
		case "expires":
			params.expires = value
		}
	}

	if params.keyID == "" || params.signature == "" {
		return params, errors.New("signature header is missing keyId or signature")
	}
	if params.algorithm == "" {
		params.algorithm = "hs2019"
	}
	if len(params.headers) == 0 {
		params.headers = []string{"date"}
	}
	return params, nil
}

func buildSignedString(r *http.Request, params signatureParams, digest string) (string, error) {
	lines := make([]string, 0, len(params.headers))
	for _, h := range params.headers {
		switch h {
		case "(request-target)":
			target := r.URL.Path
			if r.URL.RawQuery != "" {
				target += "?" + r.URL.RawQuery
			}
			lines = append(lines, h+": "+strings.ToLower(r.Method)+" "+target)
		case "(created)":
			if params.created == "" {
				return "", errors.New("(created) is signed but missing")
			}
			lines = append(lines, h+": "+params.created)
		case "(expires)":
			if params.expires == "" {
				return "", errors.New("(expires) is signed but missing")
			}
			lines = append(lines, h+": "+params.expires)
		case "digest":
			lines = append(lines, h+": "+digest)
		case "host":
			host := r.Host
			if host == "" {
				host = r.Header.Get("Host")
			}
			lines = append(lines, h+": "+host)
		default:
			values := r.Header.Values(h)
			if len(values) == 0 {
				return "", errors.Errorf("signed header %q is missing", h)
			}
			trimmed := make([]string, len(values))
			for i, value := range values {
				trimmed[i] = strings.TrimSpace(value)
			}
			lines = append(lines, h+": "+strings.Join(trimmed, ", "))
		}
	}
	return strings.Join(lines, "\n"), nil
}

func verifyRSA(key *rsa.PublicKey, signed string, sig []byte) bool {
	if key == nil {
		return false
	}
	hashed := sha256.Sum256([]byte(signed))
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, hashed[:], sig) == nil
}
