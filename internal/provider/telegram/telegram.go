// Package telegram implements a Provider that posts messages and documents
// to a chat through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/shineum/mail2telegram/internal/email"
	"github.com/shineum/mail2telegram/internal/provider"
)

// DefaultAPIBase is the public Bot API endpoint.
const DefaultAPIBase = "https://api.telegram.org"

// maxAttempts is the number of sendMessage attempts before giving up.
const maxAttempts = 3

// baseRetryDelay is the unit of the exponential backoff.
const baseRetryDelay = 1 * time.Second

// parseModeMarkdown is the markup mode used for formatted messages.
const parseModeMarkdown = "MarkdownV2"

// Config holds the configuration for creating a Client.
type Config struct {
	Token   string
	ChatID  string
	APIBase string
	Timeout time.Duration
}

// Client sends messages to a single chat through the Bot API.
type Client struct {
	token      string
	chatID     string
	apiBase    string
	httpClient *http.Client

	backoff func(attempt int) time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a Client. Requests are traced with an OpenTelemetry transport.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	return newWithOverrides(cfg, cfg.APIBase, client)
}

// newWithOverrides creates a Client with a custom endpoint and HTTP client,
// used for testing.
func newWithOverrides(cfg Config, apiBase string, client *http.Client) *Client {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	return &Client{
		token:      cfg.Token,
		chatID:     cfg.ChatID,
		apiBase:    strings.TrimRight(apiBase, "/"),
		httpClient: client,
		backoff:    backoffDelay,
		sleep:      sleepWithContext,
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "telegram"
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// SendText posts text formatted as MarkdownV2. When Telegram rejects the
// markup the same text is resent once without formatting. Transient failures
// are retried with exponential backoff; permanent ones are returned at once.
func (c *Client) SendText(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return provider.ErrEmptyText
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := c.sendMessage(ctx, text, parseModeMarkdown)
		if apiErr := asAPIError(err); apiErr != nil && apiErr.ParseError() {
			slog.Warn("Telegram rejected message markup, resending as plain text",
				"description", apiErr.Description,
			)
			err = c.sendMessage(ctx, text, "")
		}
		if err == nil {
			return nil
		}
		lastErr = err

		apiErr := asAPIError(err)
		if apiErr != nil && apiErr.Permanent() {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		delay := c.backoff(attempt)
		if apiErr != nil && apiErr.RetryAfter > 0 {
			delay = apiErr.RetryAfter
		}
		slog.Info("Telegram send failed, retrying",
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay", delay,
			"error", err,
		)
		if err := c.sleep(ctx, delay); err != nil {
			return fmt.Errorf("context cancelled during retry wait: %w", err)
		}
	}

	return fmt.Errorf("Telegram sendMessage failed after %d attempts: %w", maxAttempts, lastErr)
}

func (c *Client) sendMessage(ctx context.Context, text, parseMode string) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                c.chatID,
		Text:                  text,
		ParseMode:             parseMode,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}
	return c.post(ctx, "sendMessage", "application/json", bytes.NewReader(body))
}

// SendDocument uploads doc as a file with a plain-text caption. It makes a
// single attempt.
func (c *Client) SendDocument(ctx context.Context, doc email.Document) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("chat_id", c.chatID); err != nil {
		return fmt.Errorf("failed to write form field: %w", err)
	}
	if doc.Caption != "" {
		if err := w.WriteField("caption", doc.Caption); err != nil {
			return fmt.Errorf("failed to write form field: %w", err)
		}
	}
	part, err := w.CreateFormFile("document", doc.Filename)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(doc.Content); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish form body: %w", err)
	}

	return c.post(ctx, "sendDocument", w.FormDataContentType(), &buf)
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// post performs a single Bot API call.
func (c *Client) post(ctx context.Context, method, contentType string, body io.Reader) error {
	url := fmt.Sprintf("%s/bot%s/%s", c.apiBase, c.token, method)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %s", method, c.redact(err.Error()))
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Telegram %s request failed: %s", method, c.redact(err.Error()))
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var result apiResponse
	jsonErr := json.Unmarshal(raw, &result)
	if resp.StatusCode/100 == 2 && jsonErr == nil && result.OK {
		return nil
	}

	apiErr := &APIError{
		Method:      method,
		StatusCode:  resp.StatusCode,
		Description: result.Description,
		RetryAfter:  time.Duration(result.Parameters.RetryAfter) * time.Second,
	}
	if result.ErrorCode != 0 {
		apiErr.StatusCode = result.ErrorCode
	}
	if apiErr.Description == "" {
		apiErr.Description = strings.TrimSpace(string(raw))
	}
	apiErr.Description = c.redact(apiErr.Description)
	return apiErr
}

// redact removes the bot token from s.
func (c *Client) redact(s string) string {
	if c.token == "" {
		return s
	}
	return strings.ReplaceAll(s, c.token, "<redacted>")
}

func asAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}

// backoffDelay returns the delay after the given attempt: 2s, 4s, 8s, ...
func backoffDelay(attempt int) time.Duration {
	delay := baseRetryDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
