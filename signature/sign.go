package signature

import (
	"crypto/rsa"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/totegamma/httpsig"

	"github.com/concrnt/apnode/types"
)

// Signer signs outbound requests on behalf of the local actor.
type Signer struct {
	key       *rsa.PrivateKey
	keyID     string
	userAgent string
}

func NewSigner(key *rsa.PrivateKey, keyID, userAgent string) *Signer {
	return &Signer{key, keyID, userAgent}
}

func (s *Signer) KeyID() string {
	return s.keyID
}

// SignRequest sets the protocol headers on req and signs them. body is nil for GETs.
func (s *Signer) SignRequest(req *http.Request, body []byte) error {
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	headersToSign := []string{httpsig.RequestTarget, "user-agent", "host", "date"}
	if body != nil {
		req.Header.Set("Content-Type", types.ActivityJSON)
		headersToSign = append(headersToSign, "digest", "content-type")
	} else {
		req.Header.Set("Accept", types.ActivityJSON)
		headersToSign = append(headersToSign, "accept")
	}

	// httpsig signers are not safe for concurrent use
	prefs := []httpsig.Algorithm{httpsig.RSA_SHA256}
	signer, _, err := httpsig.NewSigner(prefs, httpsig.DigestSha256, headersToSign, httpsig.Signature, 0)
	if err != nil {
		return errors.Wrap(err, "failed to create signer")
	}

	err = signer.SignRequest(s.key, s.keyID, req, body)
	if err != nil {
		return errors.Wrap(err, "failed to sign request")
	}
	return nil
}
