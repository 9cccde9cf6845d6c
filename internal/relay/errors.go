package relay

import "fmt"

// Kind classifies why an inbound email was rejected.
type Kind int

const (
	// KindConfiguration means the transport credentials are missing or
	// malformed. Nothing was sent.
	KindConfiguration Kind = iota + 1
	// KindRateLimit means the sender exceeded its quota. Nothing was sent.
	KindRateLimit
	// KindProcessing means a send failed part-way through delivery.
	KindProcessing
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration error"
	case KindRateLimit:
		return "rate limit exceeded"
	case KindProcessing:
		return "processing failure"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// RejectError is returned by Deliver when an email was not relayed.
type RejectError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *RejectError) Unwrap() error {
	return e.Err
}
