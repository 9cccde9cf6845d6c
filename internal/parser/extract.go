// Package parser extracts readable content and header metadata from raw
// RFC 5322 messages, including MIME multipart bodies.
package parser

import (
	"log/slog"
	"strings"

	"github.com/shineum/mail2telegram/internal/email"
)

// Sentinel bodies returned when no genuine content could be extracted.
const (
	NoReadableContent = "No readable content found"
	NoBodyContent     = "No body content found"
	ExtractionFailed  = "Unable to extract email content"
)

// maxNestingDepth bounds recursion into nested multipart parts.
const maxNestingDepth = 8

// Extract selects the most readable body of a raw message and decodes it.
// Multipart messages are split on their boundary and the earliest part with
// the best content type wins: text/plain, then text/html, then any other
// text type. Extract never fails; malformed input yields a sentinel body
// with a text/plain content type.
func Extract(raw string) (content email.Content) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("content extraction failed, using sentinel body", "panic", r)
			content = email.Content{Body: ExtractionFailed, ContentType: email.DefaultContentType}
		}
	}()
	return extract(raw, 0)
}

func extract(raw string, depth int) email.Content {
	boundary := findBoundary(raw)
	if boundary == "" {
		return decodePart(raw)
	}

	best := candidate{}
	for i, part := range strings.Split(raw, "--"+boundary) {
		// The first chunk is the preamble, which carries the enclosing headers.
		if i == 0 {
			continue
		}
		part = trimPartFraming(part)

		// A part without a blank line is all headers; it still competes on
		// its declared type and later decodes to the no-body sentinel.
		headers, _, ok := splitHeaderBody(part)
		if !ok {
			headers = part
		}
		mediaType, _ := parseContentType(headerValue(headers, "Content-Type"))

		c := candidate{score: score(mediaType), text: part}
		if strings.HasPrefix(mediaType, "multipart/") && depth < maxNestingDepth {
			nested := extract(part, depth+1)
			c = candidate{score: score(nested.ContentType), nested: &nested}
			if isSentinel(nested.Body) {
				c.score = 0
			}
		}

		if c.score > best.score {
			best = c
		}
	}

	switch {
	case best.score == 0:
		return email.Content{Body: NoReadableContent, ContentType: email.DefaultContentType}
	case best.nested != nil:
		return *best.nested
	default:
		return decodePart(best.text)
	}
}

type candidate struct {
	score  int
	text   string
	nested *email.Content
}

// score ranks a media type by readability.
func score(mediaType string) int {
	switch {
	case mediaType == "text/plain":
		return 3
	case mediaType == "text/html":
		return 2
	case strings.HasPrefix(mediaType, "text/"):
		return 1
	default:
		return 0
	}
}

func isSentinel(body string) bool {
	return body == NoReadableContent || body == NoBodyContent || body == ExtractionFailed
}

// decodePart splits a single part (or a whole non-multipart message) into
// headers and body and decodes the body.
func decodePart(part string) email.Content {
	headers, body, ok := splitHeaderBody(part)
	if !ok {
		return email.Content{Body: NoBodyContent, ContentType: email.DefaultContentType}
	}

	mediaType, charset := parseContentType(headerValue(headers, "Content-Type"))
	if mediaType == "" {
		mediaType = email.DefaultContentType
	}
	encoding := headerValue(headers, "Content-Transfer-Encoding")

	return email.Content{
		Body:        DecodeCharset(body, encoding, charset),
		ContentType: mediaType,
	}
}

// findBoundary returns the boundary parameter declared in the header block
// of raw, or "" when there is none.
func findBoundary(raw string) string {
	block := raw
	if headers, _, ok := splitHeaderBody(raw); ok {
		block = headers
	}

	idx := strings.Index(strings.ToLower(block), "boundary=")
	if idx < 0 {
		return ""
	}
	value := block[idx+len("boundary="):]

	if strings.HasPrefix(value, `"`) {
		end := strings.IndexByte(value[1:], '"')
		if end < 0 {
			return ""
		}
		return value[1 : end+1]
	}

	end := strings.IndexAny(value, "; \t\r\n")
	if end >= 0 {
		value = value[:end]
	}
	return value
}

// trimPartFraming removes the remainder of the boundary line at the start of
// a part and the line break that belongs to the next delimiter at its end.
func trimPartFraming(part string) string {
	if strings.HasPrefix(part, "\r\n") {
		part = part[2:]
	} else if strings.HasPrefix(part, "\n") {
		part = part[1:]
	}

	if strings.HasSuffix(part, "\r\n") {
		part = part[:len(part)-2]
	} else if strings.HasSuffix(part, "\n") {
		part = part[:len(part)-1]
	}
	return part
}

// splitHeaderBody splits text at its first blank line. ok is false when the
// text has no blank line.
func splitHeaderBody(text string) (headers, body string, ok bool) {
	if strings.HasPrefix(text, "\r\n") {
		return "", text[2:], true
	}
	if strings.HasPrefix(text, "\n") {
		return "", text[1:], true
	}

	crlf := strings.Index(text, "\r\n\r\n")
	lf := strings.Index(text, "\n\n")
	switch {
	case crlf < 0 && lf < 0:
		return "", "", false
	case lf < 0 || (crlf >= 0 && crlf < lf):
		return text[:crlf], text[crlf+4:], true
	default:
		return text[:lf], text[lf+2:], true
	}
}

// headerValue returns the first value of the named header in a header block.
// Folded continuation lines are joined to the header they continue.
func headerValue(block, name string) string {
	var current string
	found := false

	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line != "" && (line[0] == ' ' || line[0] == '\t') {
			if found {
				current += " " + strings.TrimSpace(line)
			}
			continue
		}
		if found {
			break
		}

		key, value, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(key), name) {
			current = strings.TrimSpace(value)
			found = true
		}
	}
	return current
}

// parseContentType returns the lower-cased media type and charset parameter
// of a Content-Type header value.
func parseContentType(value string) (mediaType, charset string) {
	params := strings.Split(value, ";")
	mediaType = strings.ToLower(strings.TrimSpace(params[0]))

	for _, p := range params[1:] {
		key, val, ok := strings.Cut(p, "=")
		if ok && strings.EqualFold(strings.TrimSpace(key), "charset") {
			charset = strings.Trim(strings.TrimSpace(val), `"`)
			break
		}
	}
	return mediaType, charset
}
