// Package email defines the core email data model used throughout the relay.
package email

// Fallback values used when a header is missing from the inbound message.
const (
	UnknownSender    = "Unknown sender"
	UnknownRecipient = "Unknown recipient"
	NoSubject        = "No subject"
	UnknownDate      = "Unknown date"
	NoMessageID      = "No message ID"
)

// DefaultContentType is reported when no content type could be determined.
const DefaultContentType = "text/plain"

// Inbound is a raw email as received from an event source, together with
// the SMTP envelope when one exists. Raw is never modified after receipt.
type Inbound struct {
	Raw          []byte
	EnvelopeFrom string
	EnvelopeTo   []string
}

// Metadata holds the display values read from the message headers.
type Metadata struct {
	From      string
	To        string
	Subject   string
	Date      string
	MessageID string

	// SenderAddress is the lower-cased bare address of the sender, used as
	// the rate-limit identifier. Empty when no address could be parsed.
	SenderAddress string
}

// Content is the readable representation chosen for a message.
type Content struct {
	Body        string
	ContentType string
}

// Document is a file sent to the destination chat.
type Document struct {
	Filename string
	Caption  string
	Content  []byte
}

// Alert is an operator notification about a failed delivery. Attachment,
// when set, carries the original message.
type Alert struct {
	Subject    string
	Body       string
	Attachment *Document
}
