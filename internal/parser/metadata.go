package parser

import (
	"bufio"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/shineum/mail2telegram/internal/email"
)

// ReadMetadata reads the display headers of an inbound message. Encoded
// words (RFC 2047) are decoded. Missing From and To headers fall back to the
// SMTP envelope, and then to fixed placeholder values.
func ReadMetadata(in email.Inbound) email.Metadata {
	block := string(in.Raw)
	if headers, _, ok := splitHeaderBody(block); ok {
		block = headers
	}

	lookup := rawLookup(block)
	if h, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(block + "\r\n\r\n"))); err == nil {
		lookup = decodedLookup(mail.Header{Header: message.Header{Header: h}})
	} else {
		slog.Debug("header block not parseable, using raw values", "error", err)
	}

	md := email.Metadata{
		From:      lookup("From"),
		To:        lookup("To"),
		Subject:   lookup("Subject"),
		Date:      lookup("Date"),
		MessageID: lookup("Message-Id"),
	}
	md.SenderAddress = senderAddress(md.From, in.EnvelopeFrom)

	if md.From == "" {
		md.From = fallback(in.EnvelopeFrom, email.UnknownSender)
	}
	if md.To == "" {
		md.To = fallback(strings.Join(in.EnvelopeTo, ", "), email.UnknownRecipient)
	}
	md.Subject = fallback(md.Subject, email.NoSubject)
	md.Date = fallback(md.Date, email.UnknownDate)
	md.MessageID = fallback(md.MessageID, email.NoMessageID)

	return md
}

func rawLookup(block string) func(string) string {
	return func(name string) string {
		return headerValue(block, name)
	}
}

func decodedLookup(h mail.Header) func(string) string {
	return func(name string) string {
		v, err := h.Text(name)
		if err != nil {
			return strings.TrimSpace(h.Get(name))
		}
		return strings.TrimSpace(v)
	}
}

// senderAddress returns the lower-cased bare address of the sender.
func senderAddress(from, envelopeFrom string) string {
	for _, candidate := range []string{from, envelopeFrom} {
		if candidate == "" {
			continue
		}
		if addr, err := mail.ParseAddress(candidate); err == nil {
			return strings.ToLower(addr.Address)
		}
		if start, end := strings.LastIndexByte(candidate, '<'), strings.LastIndexByte(candidate, '>'); start >= 0 && end > start {
			candidate = candidate[start+1 : end]
		}
		return strings.ToLower(strings.TrimSpace(candidate))
	}
	return ""
}

func fallback(value, def string) string {
	if strings.TrimSpace(value) == "" {
		return def
	}
	return value
}
