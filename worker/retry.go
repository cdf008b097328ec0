package worker

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	MaxOutgoingTries = 16
	MaxIncomingTries = 8

	ItemTimeout = 60 * time.Second

	maxResponseLength = 1024
)

// Backoff is the delay after the given number of failed tries: 2s, 4s, 8s, ...
func Backoff(tries int) time.Duration {
	if tries < 1 {
		tries = 1
	}
	if tries > 30 {
		tries = 30
	}
	return 2 * time.Second << (tries - 1)
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRetry
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeSent:
		return resultSent
	case outcomeRetry:
		return resultRetry
	default:
		return resultFailed
	}
}

// classify maps an inbox answer to what happens to the delivery.
func classify(status int) outcome {
	switch {
	case status >= 200 && status < 300:
		return outcomeSent
	case status == http.StatusTooManyRequests, status == http.StatusServiceUnavailable:
		return outcomeRetry
	case status == http.StatusUnauthorized:
		// usually our key is not yet known to the remote
		return outcomeRetry
	case status >= 400 && status < 500:
		return outcomeFailed
	default:
		return outcomeRetry
	}
}

// throttled reports whether a Retry-After sent with status is honoured.
func throttled(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

// retryAfter reads a Retry-After header given either as seconds or as an HTTP date.
func retryAfter(header http.Header, now time.Time) (time.Duration, bool) {
	value := strings.TrimSpace(header.Get("Retry-After"))
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	when, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	delay := when.Sub(now)
	if delay < 0 {
		delay = 0
	}
	return delay, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
