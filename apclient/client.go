package apclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/concrnt/apnode/signature"
	"github.com/concrnt/apnode/types"
)

var (
	UserAgent = "apnode/1.0 (+https://github.com/concrnt/apnode)"
)

var tracer = otel.Tracer("apclient")

const (
	maxBodySize     = 5 << 20
	maxResponseSize = 64 << 10
	cacheExpiration = 1800 // 30 minutes
)

// ApClient performs signed requests against remote servers.
type ApClient struct {
	httpClient *http.Client
	signer     *signature.Signer
	mc         *memcache.Client
	logger     *zap.Logger
}

// NewApClient returns a client signing with signer. mc may be nil to disable the shared
// document cache, and httpClient may be nil to use a client with a 15s timeout.
func NewApClient(
	httpClient *http.Client,
	signer *signature.Signer,
	mc *memcache.Client,
	logger *zap.Logger,
) *ApClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &ApClient{
		httpClient,
		signer,
		mc,
		logger,
	}
}

// Response is what a remote inbox answered.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       string
}

// Fetch GETs a remote document. skipCache bypasses the shared cache but still refreshes it.
func (c *ApClient) Fetch(ctx context.Context, url string, skipCache bool) (*types.RawApObj, error) {
	ctx, span := tracer.Start(ctx, "ApClient.Fetch")
	defer span.End()

	if !skipCache && c.mc != nil {
		item, err := c.mc.Get(cacheKey(url))
		if err == nil {
			obj, err := types.LoadAsRawApObj(item.Value)
			if err == nil {
				return obj, nil
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "failed to build request")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	err = c.sign(req, nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrapf(err, "failed to fetch %s", url)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone:
		return nil, errors.Wrap(types.ErrObjectIsGone, url)
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.Wrap(types.ErrObjectNotFound, url)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, errors.Wrap(types.ErrObjectUnavailable, url)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &types.FetchError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrapf(err, "failed to read %s", url)
	}

	obj, err := types.LoadAsRawApObj(body)
	if err != nil {
		return nil, errors.Wrap(err, url)
	}

	if c.mc != nil {
		err = c.mc.Set(&memcache.Item{
			Key:        cacheKey(url),
			Value:      body,
			Expiration: cacheExpiration,
		})
		if err != nil {
			c.logger.Debug("failed to cache document", zap.String("url", url), zap.Error(err))
		}
	}

	return obj, nil
}

// Forget drops url from the shared cache.
func (c *ApClient) Forget(url string) {
	if c.mc == nil {
		return
	}
	_ = c.mc.Delete(cacheKey(url))
}

// Post delivers payload to inbox. A non-2xx answer is not an error; only transport failures are.
func (c *ApClient) Post(ctx context.Context, inbox string, payload []byte) (*Response, error) {
	ctx, span := tracer.Start(ctx, "ApClient.Post")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(payload))
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "failed to build request")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	err = c.sign(req, payload)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, errors.Wrapf(err, "failed to post to %s", inbox)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		c.logger.Debug("failed to read response", zap.String("inbox", inbox), zap.Error(err))
	}

	c.logger.Debug("posted to inbox", zap.String("inbox", inbox), zap.Int("status", resp.StatusCode))

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       string(body),
	}, nil
}

func (c *ApClient) sign(req *http.Request, body []byte) error {
	if c.signer == nil {
		req.Header.Set("User-Agent", UserAgent)
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
		if body != nil {
			req.Header.Set("Content-Type", types.ActivityJSON)
		} else {
			req.Header.Set("Accept", types.ActivityJSON)
		}
		return nil
	}
	return c.signer.SignRequest(req, body)
}

// memcached keys are limited to 250 bytes
func cacheKey(url string) string {
	sum := blake3.Sum256([]byte(url))
	return "apdoc:" + hex.EncodeToString(sum[:16])
}
