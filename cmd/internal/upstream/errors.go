package upstream

import (
	"errors"
	"fmt"
)

// Error is returned for any non-success HTTP response from the upstream backend.
// Status carries the HTTP status code, Body the raw response body (truncated).
type Error struct {
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream: status=%d body=%q", e.Status, e.Body)
}

var (
	errMissingCredentials = errors.New("missing authToken or userId")
	errEmptyMessage       = errors.New("empty message text")
)

// IsRejected reports whether err is an upstream 4xx rejection (bad credentials,
// malformed request). Rejections are surfaced to the caller, never retried.
func IsRejected(err error) bool {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Status >= 400 && ue.Status < 500
	}
	return false
}
