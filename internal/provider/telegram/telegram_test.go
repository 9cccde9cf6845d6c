package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shineum/mail2telegram/internal/email"
	"github.com/shineum/mail2telegram/internal/provider"
)

const testToken = "123456:ABC-def_ghi"

var testConfig = Config{Token: testToken, ChatID: "-1001234567890"}

// recorder captures request bodies received by a fake Bot API.
type recorder struct {
	mu     sync.Mutex
	bodies []map[string]any
	paths  []string
}

func (r *recorder) add(path string, body map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
	r.bodies = append(r.bodies, body)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func (r *recorder) path(i int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paths[i]
}

func (r *recorder) body(i int) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bodies[i]
}

// fakeAPI serves the given responses in order, repeating the last one.
func fakeAPI(t *testing.T, rec *recorder, responses ...func(w http.ResponseWriter)) *httptest.Server {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("failed to decode request body: %v", err)
			}
		}
		rec.add(r.URL.Path, body)

		i := int(calls.Add(1)) - 1
		if i >= len(responses) {
			i = len(responses) - 1
		}
		responses[i](w)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func okResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, `{"ok":true,"result":{"message_id":1}}`)
}

func fail(status int, description string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"ok":          false,
			"error_code":  status,
			"description": description,
		})
	}
}

// newTestClient returns a client whose backoff sleeps are recorded instead of waited.
func newTestClient(srv *httptest.Server) (*Client, *[]time.Duration) {
	c := newWithOverrides(testConfig, srv.URL, srv.Client())
	var delays []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return c, &delays
}

func TestClient_Name(t *testing.T) {
	t.Parallel()

	if got := (&Client{}).Name(); got != "telegram" {
		t.Errorf("Name: got %q, want %q", got, "telegram")
	}
}

func TestSendText_EmptyTextMakesNoRequest(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	srv := fakeAPI(t, rec, okResponse)
	c, _ := newTestClient(srv)

	for _, text := range []string{"", "   ", "\n\t"} {
		if err := c.SendText(context.Background(), text); !errors.Is(err, provider.ErrEmptyText) {
			t.Errorf("SendText(%q): got %v, want ErrEmptyText", text, err)
		}
	}
	if rec.count() != 0 {
		t.Errorf("requests: got %d, want 0", rec.count())
	}
}

func TestSendText_Success(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	srv := fakeAPI(t, rec, okResponse)
	c, _ := newTestClient(srv)

	if err := c.SendText(context.Background(), "*hello*"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.count() != 1 {
		t.Fatalf("requests: got %d, want 1", rec.count())
	}
	if rec.path(0) != "/bot"+testToken+"/sendMessage" {
		t.Errorf("path: got %q", rec.path(0))
	}
	body := rec.body(0)
	if body["chat_id"] != testConfig.ChatID {
		t.Errorf("chat_id: got %v, want %q", body["chat_id"], testConfig.ChatID)
	}
	if body["text"] != "*hello*" {
		t.Errorf("text: got %v, want %q", body["text"], "*hello*")
	}
	if body["parse_mode"] != "MarkdownV2" {
		t.Errorf("parse_mode: got %v, want %q", body["parse_mode"], "MarkdownV2")
	}
	if body["disable_web_page_preview"] != true {
		t.Errorf("disable_web_page_preview: got %v, want true", body["disable_web_page_preview"])
	}
}

func TestSendText_ParseModeFallback(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	srv := fakeAPI(t, rec,
		fail(http.StatusBadRequest, "Bad Request: can't parse entities: unsupported parse_mode entity"),
		okResponse,
	)
	c, delays := newTestClient(srv)

	if err := c.SendText(context.Background(), "broken *markup"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.count() != 2 {
		t.Fatalf("requests: got %d, want 2", rec.count())
	}
	if rec.body(0)["parse_mode"] != "MarkdownV2" {
		t.Errorf("first parse_mode: got %v, want MarkdownV2", rec.body(0)["parse_mode"])
	}
	if _, present := rec.body(1)["parse_mode"]; present {
		t.Errorf("fallback request must not carry parse_mode, got %v", rec.body(1)["parse_mode"])
	}
	if rec.body(1)["text"] != "broken *markup" {
		t.Errorf("fallback text: got %v", rec.body(1)["text"])
	}
	if len(*delays) != 0 {
		t.Errorf("fallback must not back off, got delays %v", *delays)
	}
}

func TestSendText_PermanentErrorNoRetry(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound} {
		rec := &recorder{}
		srv := fakeAPI(t, rec, fail(status, "Forbidden: bot was kicked from the group chat"))
		c, delays := newTestClient(srv)

		err := c.SendText(context.Background(), "hello")
		if err == nil {
			t.Fatalf("HTTP %d: expected error, got nil", status)
		}

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("HTTP %d: expected *APIError, got %T", status, err)
		}
		if !apiErr.Permanent() {
			t.Errorf("HTTP %d: error should be classified as permanent", status)
		}
		if rec.count() != 1 {
			t.Errorf("HTTP %d: requests: got %d, want 1", status, rec.count())
		}
		if len(*delays) != 0 {
			t.Errorf("HTTP %d: delays: got %v, want none", status, *delays)
		}
	}
}

func TestSendText_ChatNotFoundIsPermanent(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	srv := fakeAPI(t, rec, fail(http.StatusBadRequest, "Bad Request: chat not found"))
	c, _ := newTestClient(srv)

	if err := c.SendText(context.Background(), "hello"); err == nil {
		t.Fatal("expected error, got nil")
	}
	if rec.count() != 1 {
		t.Errorf("requests: got %d, want 1", rec.count())
	}
}

func TestSendText_RetriesTransientErrors(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	srv := fakeAPI(t, rec,
		fail(http.StatusInternalServerError, "Internal Server Error"),
		fail(http.StatusBadGateway, "Bad Gateway"),
		okResponse,
	)
	c, delays := newTestClient(srv)

	if err := c.SendText(context.Background(), "hello"); err != nil {
		t.Fatalf("expected success after retries, got: %v", err)
	}

	if rec.count() != 3 {
		t.Errorf("requests: got %d, want 3 (2 failures + 1 success)", rec.count())
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(*delays) != len(want) {
		t.Fatalf("delays: got %v, want %v", *delays, want)
	}
	for i := range want {
		if (*delays)[i] != want[i] {
			t.Errorf("delay %d: got %v, want %v", i, (*delays)[i], want[i])
		}
	}
}

func TestSendText_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	srv := fakeAPI(t, rec, fail(http.StatusServiceUnavailable, "Service Unavailable"))
	c, delays := newTestClient(srv)

	err := c.SendText(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "Service Unavailable") {
		t.Errorf("error should carry the last description, got %q", err.Error())
	}
	if rec.count() != maxAttempts {
		t.Errorf("requests: got %d, want %d", rec.count(), maxAttempts)
	}
	if len(*delays) != maxAttempts-1 {
		t.Errorf("delays: got %d, want %d", len(*delays), maxAttempts-1)
	}
}

func TestSendText_RespectsRetryAfter(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	srv := fakeAPI(t, rec,
		func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusTooManyRequests)
			io.WriteString(w, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 7","parameters":{"retry_after":7}}`)
		},
		okResponse,
	)
	c, delays := newTestClient(srv)

	if err := c.SendText(context.Background(), "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(*delays) != 1 || (*delays)[0] != 7*time.Second {
		t.Errorf("delays: got %v, want [7s]", *delays)
	}
}

func TestSendText_ContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	srv := fakeAPI(t, rec, fail(http.StatusInternalServerError, "Internal Server Error"))
	c := newWithOverrides(testConfig, srv.URL, srv.Client())
	c.backoff = func(int) time.Duration { return time.Hour }

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for rec.count() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	err := c.SendText(ctx, "hello")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSendText_ErrorsDoNotLeakToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close()

	c := newWithOverrides(testConfig, base, &http.Client{Timeout: time.Second})
	c.sleep = func(context.Context, time.Duration) error { return nil }

	err := c.SendText(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error from closed server, got nil")
	}
	if strings.Contains(err.Error(), testToken) {
		t.Errorf("error leaks bot token: %q", err.Error())
	}
}

func TestSendDocument(t *testing.T) {
	t.Parallel()

	var (
		gotChatID, gotCaption, gotFilename string
		gotContent                         []byte
		calls                              atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/bot"+testToken+"/sendDocument" {
			t.Errorf("path: got %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("failed to parse multipart form: %v", err)
			return
		}
		gotChatID = r.FormValue("chat_id")
		gotCaption = r.FormValue("caption")
		file, header, err := r.FormFile("document")
		if err != nil {
			t.Errorf("missing document part: %v", err)
			return
		}
		defer file.Close()
		gotFilename = header.Filename
		gotContent, _ = io.ReadAll(file)
		okResponse(w)
	}))
	defer srv.Close()

	c, _ := newTestClient(srv)
	doc := email.Document{
		Filename: "email_abc_1700000000000.eml",
		Caption:  "Full email: Quarterly report",
		Content:  []byte("From: a@example.com\r\n\r\nbody"),
	}

	if err := c.SendDocument(context.Background(), doc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if calls.Load() != 1 {
		t.Errorf("requests: got %d, want 1", calls.Load())
	}
	if gotChatID != testConfig.ChatID {
		t.Errorf("chat_id: got %q, want %q", gotChatID, testConfig.ChatID)
	}
	if gotCaption != doc.Caption {
		t.Errorf("caption: got %q, want %q", gotCaption, doc.Caption)
	}
	if gotFilename != doc.Filename {
		t.Errorf("filename: got %q, want %q", gotFilename, doc.Filename)
	}
	if string(gotContent) != string(doc.Content) {
		t.Errorf("content: got %q, want %q", gotContent, doc.Content)
	}
}

func TestSendDocument_SingleAttempt(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	srv := fakeAPI(t, rec, fail(http.StatusRequestEntityTooLarge, "Request Entity Too Large"))
	c, delays := newTestClient(srv)

	err := c.SendDocument(context.Background(), email.Document{Filename: "big.eml", Content: []byte("x")})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "Request Entity Too Large") {
		t.Errorf("error should carry description, got %q", err.Error())
	}
	if rec.count() != 1 {
		t.Errorf("requests: got %d, want 1", rec.count())
	}
	if len(*delays) != 0 {
		t.Errorf("delays: got %v, want none", *delays)
	}
}

func TestAPIError_Classification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status     int
		desc       string
		permanent  bool
		parseError bool
	}{
		{status: 400, desc: "Bad Request: can't parse entities: Character '.' is reserved", parseError: true},
		{status: 400, desc: "Bad Request: unsupported parse_mode", parseError: true},
		{status: 400, desc: "Bad Request: chat not found", permanent: true},
		{status: 400, desc: "Bad Request: message is too long"},
		{status: 401, desc: "Unauthorized", permanent: true},
		{status: 403, desc: "Forbidden: can't parse entities", permanent: true},
		{status: 404, desc: "Not Found", permanent: true},
		{status: 429, desc: "Too Many Requests"},
		{status: 500, desc: "Internal Server Error"},
	}

	for _, tt := range tests {
		e := &APIError{Method: "sendMessage", StatusCode: tt.status, Description: tt.desc}
		if got := e.Permanent(); got != tt.permanent {
			t.Errorf("%d %q: Permanent got %v, want %v", tt.status, tt.desc, got, tt.permanent)
		}
		if got := e.ParseError(); got != tt.parseError {
			t.Errorf("%d %q: ParseError got %v, want %v", tt.status, tt.desc, got, tt.parseError)
		}
	}
}

func TestEscapeMarkdown(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "plain", want: "plain"},
		{in: "alice@example.com", want: `alice@example\.com`},
		{in: "Re: [ticket-42] (urgent)!", want: `Re: \[ticket\-42\] \(urgent\)\!`},
		{in: "a_b*c~d`e", want: "a\\_b\\*c\\~d\\`e"},
		{in: `back\slash`, want: `back\\slash`},
		{in: "<id#1+2=3|{x}>", want: `<id\#1\+2\=3\|\{x\}\>`},
	}

	for _, tt := range tests {
		if got := EscapeMarkdown(tt.in); got != tt.want {
			t.Errorf("EscapeMarkdown(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}
