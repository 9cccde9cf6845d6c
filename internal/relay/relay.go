// Package relay implements the delivery pipeline that turns one inbound
// email into a sequence of chat messages.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shineum/mail2telegram/internal/email"
	"github.com/shineum/mail2telegram/internal/metrics"
	"github.com/shineum/mail2telegram/internal/parser"
	"github.com/shineum/mail2telegram/internal/provider"
	"github.com/shineum/mail2telegram/internal/ratelimit"
	"github.com/shineum/mail2telegram/internal/textnorm"
)

const tracerName = "github.com/shineum/mail2telegram/internal/relay"

// Defaults for the message length budgets.
const (
	DefaultBodyMaxLength    = 2000
	DefaultSubjectMaxLength = 100
)

// Deliverer accepts inbound emails. Event sources depend on this interface.
type Deliverer interface {
	Deliver(ctx context.Context, in email.Inbound) error
}

// Alerter is an extra channel notified when a delivery fails.
type Alerter interface {
	Alert(ctx context.Context, alert email.Alert) error
	Name() string
}

// Options configures a Pipeline.
type Options struct {
	// Validate checks the transport credentials before each delivery.
	// Nil skips the check.
	Validate func() error

	BodyMaxLength    int
	SubjectMaxLength int

	Alerters []Alerter
	Metrics  *metrics.Metrics

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Pipeline relays inbound emails through a Provider. It is safe for
// concurrent use.
type Pipeline struct {
	provider provider.Provider
	limiter  *ratelimit.Limiter
	opts     Options
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

// New creates a Pipeline. The limiter is shared by every delivery made
// through the pipeline.
func New(p provider.Provider, limiter *ratelimit.Limiter, opts Options) *Pipeline {
	if opts.BodyMaxLength == 0 {
		opts.BodyMaxLength = DefaultBodyMaxLength
	}
	if opts.SubjectMaxLength == 0 {
		opts.SubjectMaxLength = DefaultSubjectMaxLength
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Pipeline{
		provider: p,
		limiter:  limiter,
		opts:     opts,
		metrics:  m,
		tracer:   otel.Tracer(tracerName),
	}
}

// Deliver validates the configuration, applies the sender's rate limit and
// sends three messages: a metadata summary, the body preview when there is
// readable content, and the raw email as a document. A nil error means the
// email was relayed; otherwise the error is a *RejectError.
func (p *Pipeline) Deliver(ctx context.Context, in email.Inbound) (err error) {
	start := p.opts.Now()
	deliveryID := uuid.NewString()

	ctx, span := p.tracer.Start(ctx, "relay.Deliver", trace.WithAttributes(
		attribute.String("delivery.id", deliveryID),
		attribute.Int("email.size", len(in.Raw)),
	))
	defer span.End()

	log := slog.With("delivery_id", deliveryID)
	p.metrics.EmailsReceived.Inc()
	p.metrics.EmailSize.Observe(float64(len(in.Raw)))

	defer func() {
		p.metrics.DeliveryDuration.Observe(p.opts.Now().Sub(start).Seconds())
		p.metrics.DeliveriesTotal.WithLabelValues(outcome(err)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if p.opts.Validate != nil {
		if verr := p.opts.Validate(); verr != nil {
			log.Error("rejecting email, transport is misconfigured", "error", verr)
			return &RejectError{Kind: KindConfiguration, Reason: verr.Error(), Err: verr}
		}
	}

	md := parser.ReadMetadata(in)
	sender := md.SenderAddress
	if sender == "" {
		sender = strings.ToLower(md.From)
	}
	log = log.With("from", sender)
	span.SetAttributes(attribute.String("email.from", sender))

	if !p.limiter.Allow(sender, p.opts.Now()) {
		log.Warn("rejecting email, sender over rate limit",
			"window", p.limiter.Window(),
		)
		return &RejectError{
			Kind:   KindRateLimit,
			Reason: fmt.Sprintf("too many emails from %s, try again later", sender),
		}
	}

	content := parser.Extract(string(in.Raw))
	body := textnorm.Normalize(content.Body, p.opts.BodyMaxLength)
	subject := textnorm.Truncate(md.Subject, p.opts.SubjectMaxLength)

	log.Info("relaying email",
		"subject", subject,
		"content_type", content.ContentType,
		"size", units.HumanSize(float64(len(in.Raw))),
	)

	doc := email.Document{
		Filename: attachmentName(md.MessageID, p.opts.Now()),
		Caption:  "📎 Full email: " + subject,
		Content:  in.Raw,
	}

	if serr := p.send(ctx, md, content.ContentType, subject, body, doc); serr != nil {
		log.Error("delivery failed", "error", serr)
		p.alert(ctx, log, md, subject, serr, doc)
		return &RejectError{Kind: KindProcessing, Reason: serr.Error(), Err: serr}
	}

	log.Info("email relayed", "duration", p.opts.Now().Sub(start))
	return nil
}

// send performs the ordered transport calls for one email.
func (p *Pipeline) send(ctx context.Context, md email.Metadata, contentType, subject, body string, doc email.Document) error {
	if err := p.provider.SendText(ctx, formatMetadata(md, contentType, subject)); err != nil {
		return fmt.Errorf("failed to send metadata: %w", err)
	}
	p.metrics.MessagesSent.WithLabelValues("metadata").Inc()

	if strings.TrimSpace(body) != "" && body != parser.NoReadableContent {
		if err := p.provider.SendText(ctx, formatBody(body)); err != nil {
			return fmt.Errorf("failed to send body: %w", err)
		}
		p.metrics.MessagesSent.WithLabelValues("body").Inc()
	}

	if err := p.provider.SendDocument(ctx, doc); err != nil {
		return fmt.Errorf("failed to send email document: %w", err)
	}
	p.metrics.MessagesSent.WithLabelValues("document").Inc()
	return nil
}

// alert notifies the destination chat and every extra alerter about a
// failed delivery. Alert failures are logged and never returned.
func (p *Pipeline) alert(ctx context.Context, log *slog.Logger, md email.Metadata, subject string, cause error, doc email.Document) {
	if err := p.provider.SendText(ctx, formatAlert(md, subject, cause.Error())); err != nil {
		p.metrics.AlertFailures.Inc()
		log.Warn("failed to send failure alert", "provider", p.provider.Name(), "error", err)
	}

	for _, a := range p.opts.Alerters {
		err := a.Alert(ctx, email.Alert{
			Subject:    "mail2telegram: delivery failed for " + subject,
			Body:       fmt.Sprintf("From: %s\nTo: %s\nSubject: %s\nMessage-ID: %s\n\nError: %v\n", md.From, md.To, md.Subject, md.MessageID, cause),
			Attachment: &doc,
		})
		if err != nil {
			p.metrics.AlertFailures.Inc()
			log.Warn("failed to send failure alert", "alerter", a.Name(), "error", err)
		}
	}
}

func outcome(err error) string {
	var rej *RejectError
	if !errors.As(err, &rej) {
		if err == nil {
			return metrics.OutcomeDelivered
		}
		return metrics.OutcomeFailed
	}
	switch rej.Kind {
	case KindConfiguration:
		return metrics.OutcomeConfiguration
	case KindRateLimit:
		return metrics.OutcomeRateLimited
	default:
		return metrics.OutcomeFailed
	}
}
