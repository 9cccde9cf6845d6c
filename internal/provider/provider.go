// Package provider defines the interface for message delivery backends.
package provider

import (
	"context"
	"errors"

	"github.com/shineum/mail2telegram/internal/email"
)

// ErrEmptyText is returned by SendText for blank text. No request is made.
var ErrEmptyText = errors.New("text is empty")

// Provider is the interface that delivery backends must implement.
// Each provider posts relayed email content to a chat destination
// (e.g., a Telegram chat, or stdout for dry runs).
type Provider interface {
	// SendText delivers a formatted text message.
	SendText(ctx context.Context, text string) error

	// SendDocument delivers a file with a plain-text caption.
	SendDocument(ctx context.Context, doc email.Document) error

	// Name returns the human-readable name of this provider.
	Name() string
}
