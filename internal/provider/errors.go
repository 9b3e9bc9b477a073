package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrMissingAPIKey is returned by constructors of hosted providers.
var ErrMissingAPIKey = errors.New("provider: API key is required")

// APIError is a non-success reply from a model provider.
type APIError struct {
	Provider string
	Status   int
	Type     string
	Message  string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Type != "" {
		return fmt.Sprintf("%s: %d %s: %s", e.Provider, e.Status, e.Type, msg)
	}
	return fmt.Sprintf("%s: %d: %s", e.Provider, e.Status, msg)
}

// RateLimited reports whether the provider asked the caller to back off.
func (e *APIError) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests
}

// Unauthorized reports whether the credentials were rejected.
func (e *APIError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// Unavailable reports a server-side failure worth retrying later.
func (e *APIError) Unavailable() bool {
	return e.Status >= 500
}
