package relay

import (
	"fmt"
	"strings"
	"time"

	"github.com/shineum/mail2telegram/internal/email"
	"github.com/shineum/mail2telegram/internal/provider/telegram"
	"github.com/shineum/mail2telegram/internal/textnorm"
)

const maxFilenameID = 64

// maxAddressLength caps the From and To values shown in chat messages.
const maxAddressLength = 256

// formatMetadata builds the MarkdownV2 summary sent first for every email.
func formatMetadata(md email.Metadata, contentType, subject string) string {
	esc := telegram.EscapeMarkdown

	var b strings.Builder
	b.WriteString("📧 *New email received*\n\n")
	fmt.Fprintf(&b, "*From:* %s\n", esc(textnorm.Truncate(md.From, maxAddressLength)))
	fmt.Fprintf(&b, "*To:* %s\n", esc(textnorm.Truncate(md.To, maxAddressLength)))
	fmt.Fprintf(&b, "*Subject:* %s\n", esc(subject))
	fmt.Fprintf(&b, "*Date:* %s\n", esc(md.Date))
	fmt.Fprintf(&b, "*Content\\-Type:* %s\n", esc(contentType))
	fmt.Fprintf(&b, "*Message\\-ID:* %s", esc(md.MessageID))
	return b.String()
}

// formatBody wraps the normalized body for sending.
func formatBody(body string) string {
	return "📝 *Content:*\n\n" + telegram.EscapeMarkdown(body)
}

// formatAlert builds the failure notice sent to the destination chat.
func formatAlert(md email.Metadata, subject, reason string) string {
	esc := telegram.EscapeMarkdown

	var b strings.Builder
	b.WriteString("⚠️ *Email delivery failed*\n\n")
	fmt.Fprintf(&b, "*From:* %s\n", esc(textnorm.Truncate(md.From, maxAddressLength)))
	fmt.Fprintf(&b, "*Subject:* %s\n", esc(subject))
	fmt.Fprintf(&b, "*Error:* %s", esc(reason))
	return b.String()
}

// attachmentName returns the file name for the raw email document.
func attachmentName(messageID string, now time.Time) string {
	return fmt.Sprintf("email_%s_%d.eml", sanitizeID(messageID), now.UnixMilli())
}

// sanitizeID keeps letters, digits, dots, dashes and underscores of a
// message id and replaces everything else with underscores.
func sanitizeID(messageID string) string {
	id := strings.Trim(strings.TrimSpace(messageID), "<>")
	if id == "" || messageID == email.NoMessageID {
		return "unknown"
	}

	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= maxFilenameID {
			break
		}
	}
	return b.String()
}
