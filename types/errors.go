package types

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrObjectIsGone      = errors.New("object is gone")
	ErrObjectNotFound    = errors.New("object not found")
	ErrObjectUnavailable = errors.New("object unavailable")
	ErrNotAnObject       = errors.New("response is not an object")
	ErrNotAnActor        = errors.New("object is not an actor")
	ErrRecursionLimit    = errors.New("recursion limit exceeded")
	ErrActorMismatch     = errors.New("actor mismatch")
	ErrDropped           = errors.New("activity dropped")
)

// FetchError is returned for any non-2xx response that has no dedicated error.
type FetchError struct {
	URL        string
	StatusCode int
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch %s: %d", e.URL, e.StatusCode)
}

// IsFetchMiss reports whether err means the remote object can't be obtained right now
// or anymore, as opposed to a local failure.
func IsFetchMiss(err error) bool {
	for _, target := range []error{ErrObjectIsGone, ErrObjectNotFound, ErrObjectUnavailable, ErrNotAnObject} {
		if errors.Is(err, target) {
			return true
		}
	}
	var fe *FetchError
	return errors.As(err, &fe)
}
