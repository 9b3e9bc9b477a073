package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/murmur/internal/guard"
	"github.com/felixgeelhaar/murmur/internal/provider"
)

const maxDetail = 200

const (
	msgRateLimit = "**Rate limit exceeded**\n\nThe model provider is rate limiting requests. Please wait a moment and try again."
	msgAuth      = "**Authentication error**\n\nThe model provider rejected the configured credentials."
	msgService   = "**Service error**\n\nThe model provider is having trouble. Please try again in a few minutes."
)

// FriendlyError turns a provider or policy failure into the text shown in
// the room.
func FriendlyError(err error) string {
	var v *guard.Violation
	if errors.As(err, &v) {
		return "**Limit reached**\n\n" + v.Message + ". Start a new message to continue."
	}

	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.RateLimited():
			return msgRateLimit
		case apiErr.Unauthorized():
			return msgAuth
		case apiErr.Unavailable():
			return msgService
		}
	}

	text := strings.ToLower(err.Error())
	switch {
	case containsAny(text, "rate limit", "quota", "resource_exhausted", "429"):
		return msgRateLimit
	case containsAny(text, "authentication", "api key", "unauthorized", "401"):
		return msgAuth
	case containsAny(text, "connection", "network", "timeout", "unreachable", "deadline exceeded"):
		return "**Connection error**\n\nThe model provider could not be reached. Please try again in a moment."
	case containsAny(text, "parsing", "format", "json", "syntax"):
		return "**Processing error**\n\nThe model's reply could not be processed. Try rephrasing your question."
	case containsAny(text, "service", "server", "internal", "500", "503"):
		return msgService
	}

	detail := err.Error()
	if r := []rune(detail); len(r) > maxDetail {
		detail = string(r[:maxDetail]) + "..."
	}
	return fmt.Sprintf("**Unexpected error**\n\nSomething went wrong while answering.\n\nTechnical details: %s", detail)
}

func containsAny(s string, terms ...string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
