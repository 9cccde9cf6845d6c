// Package ses sends operator alerts about failed deliveries via AWS SES v2.
package ses

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/mail2telegram/internal/email"
)

// Config holds the configuration for creating an Alerter.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
	Recipients      []string
}

// Alerter emails failure alerts to a fixed list of operators.
type Alerter struct {
	sender     string
	recipients []string
	client     SendEmailAPI
	now        func() time.Time
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates an Alerter. Static credentials are used when both keys are
// set; otherwise the default AWS credential chain applies.
func New(ctx context.Context, cfg Config) (*Alerter, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, cfg.Recipients, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates an Alerter with a custom client, used for testing.
func NewWithClient(sender string, recipients []string, client SendEmailAPI) *Alerter {
	return &Alerter{
		sender:     sender,
		recipients: recipients,
		client:     client,
		now:        time.Now,
	}
}

// Name returns the alerter name.
func (a *Alerter) Name() string {
	return "ses"
}

// Alert sends a single email. Alerts with an attachment are sent as a raw
// MIME message; plain alerts use the SES simple format. There is no retry.
func (a *Alerter) Alert(ctx context.Context, alert email.Alert) error {
	input := buildSimpleInput(a.sender, a.recipients, alert)
	if alert.Attachment != nil {
		raw, err := buildRawMessage(a.sender, a.recipients, alert, a.now())
		if err != nil {
			return fmt.Errorf("failed to build raw message: %w", err)
		}
		input = &sesv2.SendEmailInput{
			Destination: &types.Destination{ToAddresses: a.recipients},
			Content: &types.EmailContent{
				Raw: &types.RawMessage{Data: raw},
			},
		}
	}

	if _, err := a.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("SES SendEmail failed: %w", err)
	}
	return nil
}

// buildSimpleInput creates a SendEmailInput with a plain-text body.
func buildSimpleInput(sender string, recipients []string, alert email.Alert) *sesv2.SendEmailInput {
	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination:      &types.Destination{ToAddresses: recipients},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(alert.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: &types.Body{
					Text: &types.Content{
						Data:    aws.String(alert.Body),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		},
	}
}

// buildRawMessage writes the alert as multipart/mixed with the attachment
// as a message/rfc822 part.
func buildRawMessage(sender string, recipients []string, alert email.Alert, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetSubject(alert.Subject)
	h.SetAddressList("From", []*mail.Address{{Address: sender}})
	to := make([]*mail.Address, 0, len(recipients))
	for _, r := range recipients {
		to = append(to, &mail.Address{Address: r})
	}
	h.SetAddressList("To", to)

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("failed to create body part: %w", err)
	}
	var th mail.InlineHeader
	th.Set("Content-Type", "text/plain; charset=utf-8")
	w, err := tw.CreatePart(th)
	if err != nil {
		return nil, fmt.Errorf("failed to create body part: %w", err)
	}
	if _, err := io.WriteString(w, alert.Body); err != nil {
		return nil, fmt.Errorf("failed to write body: %w", err)
	}
	w.Close()
	tw.Close()

	var ah mail.AttachmentHeader
	ah.Set("Content-Type", "message/rfc822")
	ah.SetFilename(alert.Attachment.Filename)
	w, err = mw.CreateAttachment(ah)
	if err != nil {
		return nil, fmt.Errorf("failed to create attachment part: %w", err)
	}
	if _, err := w.Write(alert.Attachment.Content); err != nil {
		return nil, fmt.Errorf("failed to write attachment: %w", err)
	}
	w.Close()

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}
