// Package stdout implements a Provider that prints relayed messages to
// standard output. It is used for dry runs without a bot token.
package stdout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/docker/go-units"

	"github.com/shineum/mail2telegram/internal/email"
	"github.com/shineum/mail2telegram/internal/provider"
)

const separator = "========================================\n"

// Provider prints messages in a human-readable format.
type Provider struct {
	mu sync.Mutex
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// SendText prints a text message. Blank text is rejected like the real
// transport rejects it.
func (p *Provider) SendText(_ context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return provider.ErrEmptyText
	}

	var b strings.Builder
	b.WriteString(separator)
	b.WriteString("Message:\n")
	b.WriteString(text + "\n")
	b.WriteString(separator)

	p.write(b.String())
	return nil
}

// SendDocument prints the document name, size and caption. The content
// itself is not printed.
func (p *Provider) SendDocument(_ context.Context, doc email.Document) error {
	var b strings.Builder
	b.WriteString(separator)
	b.WriteString(fmt.Sprintf("Document: %s (%s)\n", doc.Filename, units.HumanSize(float64(len(doc.Content)))))
	if doc.Caption != "" {
		b.WriteString(fmt.Sprintf("Caption: %s\n", doc.Caption))
	}
	b.WriteString(separator)

	p.write(b.String())
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// write never fails the send: output errors are only logged.
func (p *Provider) write(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := fmt.Fprint(p.writer, s); err != nil {
		slog.Warn("stdout provider write failed", "error", err)
	}
}
