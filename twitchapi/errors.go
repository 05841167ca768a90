package twitchapi

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError is a non-2xx response from the Twitch API (auth endpoint or
// Helix). The poll loop classifies it to decide between refreshing the app
// token and skipping the cycle.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("twitch %s failed: status %d: %s", e.Op, e.Code, e.Body)
}

// IsAuthError reports whether err is a credential/token rejection (401/403).
// Recovery is invalidating the cached app token and retrying once.
func IsAuthError(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden
	}
	return false
}

// IsTransientError reports whether err should be recovered by skipping to
// the next poll cycle. Covers 429/5xx plus transport-level failures; errors
// we can't classify are treated as transient so a single odd response never
// wedges the loop.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return !IsAuthError(err)
}
