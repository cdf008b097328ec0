package apclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/concrnt/apnode/types"
)

// ResolveActor resolves an actor id from @user@host notation.
func (c *ApClient) ResolveActor(ctx context.Context, handle string) (string, error) {
	ctx, span := tracer.Start(ctx, "ApClient.ResolveActor")
	defer span.End()

	id := strings.TrimPrefix(handle, "@")

	split := strings.Split(id, "@")
	if len(split) != 2 || split[0] == "" || split[1] == "" {
		return "", errors.Errorf("invalid handle %q", handle)
	}

	domain := split[1]
	targetlink := "https://" + domain + "/.well-known/webfinger?resource=" + url.QueryEscape("acct:"+id)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetlink, nil)
	if err != nil {
		span.RecordError(err)
		return "", errors.Wrap(err, "failed to build request")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	req.Header.Set("Accept", "application/jrd+json")
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return "", errors.Wrapf(err, "webfinger lookup of %s failed", handle)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", errors.Wrap(types.ErrObjectNotFound, handle)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &types.FetchError{URL: targetlink, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", errors.Wrap(err, "failed to read webfinger response")
	}

	var webfinger types.WebFinger
	err = json.Unmarshal(body, &webfinger)
	if err != nil {
		return "", errors.Wrap(types.ErrNotAnObject, err.Error())
	}

	for _, link := range webfinger.Links {
		if link.Rel != "self" || link.Href == "" {
			continue
		}
		if link.Type == "" || link.Type == types.ActivityJSON || strings.HasPrefix(link.Type, "application/ld+json") {
			return link.Href, nil
		}
	}

	return "", errors.Errorf("no ap link found for %s", handle)
}
