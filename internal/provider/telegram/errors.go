package telegram

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// APIError is a non-success Bot API response.
type APIError struct {
	Method      string
	StatusCode  int
	Description string
	// RetryAfter is set when Telegram asks the caller to slow down.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Telegram %s error (HTTP %d): %s", e.Method, e.StatusCode, e.Description)
}

// Permanent reports whether retrying cannot succeed: the token is invalid,
// the bot has no access to the chat, or the chat does not exist.
func (e *APIError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	case http.StatusBadRequest:
		return strings.Contains(strings.ToLower(e.Description), "chat not found")
	default:
		return false
	}
}

// ParseError reports whether Telegram rejected the message markup.
func (e *APIError) ParseError() bool {
	if e.StatusCode != http.StatusBadRequest {
		return false
	}
	desc := strings.ToLower(e.Description)
	return strings.Contains(desc, "parse_mode") || strings.Contains(desc, "can't parse entities")
}
