package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"relaybot/internal/domain"
	"relaybot/internal/orchestrator"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixedProvider struct {
	response *domain.ChatResponse
	chunks   []domain.StreamChunk
}

func (p *fixedProvider) Name() string { return "fixed" }

func (p *fixedProvider) Chat(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
	return p.response, nil
}

func (p *fixedProvider) ChatStream(_ context.Context, _ domain.ChatRequest, out chan<- domain.StreamChunk) error {
	defer close(out)
	for _, c := range p.chunks {
		out <- c
	}
	return nil
}

type nullStore struct{}

func (nullStore) SaveMessage(string, string, string, domain.Message) {}
func (nullStore) History(string, string, string) []domain.Message   { return nil }

func newTestServer(p *fixedProvider, apiKey string) *Server {
	orch := orchestrator.New(orchestrator.Config{
		Provider: p,
		Store:    nullStore{},
		Model:    "test-model",
		Logger:   testLogger(),
	})
	return New(Config{Port: 0, APIKey: apiKey, Orchestrator: orch, Logger: testLogger()})
}

func postRespond(t *testing.T, s *Server, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/respond", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handleRespond(rec, req)
	return rec
}

func TestServer_RespondJSON(t *testing.T) {
	p := &fixedProvider{response: &domain.ChatResponse{Content: "hello <beep>", FinishReason: "stop"}}
	s := newTestServer(p, "")

	rec := postRespond(t, s, `{"app_id":"a","user_id":"u","channel":"c","content":"hi"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result orchestrator.TurnResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if result.Text != "hello " {
		t.Errorf("expected cleaned text, got %q", result.Text)
	}
	if len(result.Commands) != 1 || result.Commands[0] != "<beep>" {
		t.Errorf("expected extracted command, got %v", result.Commands)
	}
}

func TestServer_RespondValidation(t *testing.T) {
	s := newTestServer(&fixedProvider{}, "")

	cases := []string{
		`not json`,
		`{"user_id":"u","channel":"c","content":"hi"}`,
		`{"app_id":"a","user_id":"u","channel":"c"}`,
	}
	for _, body := range cases {
		if rec := postRespond(t, s, body, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestServer_AuthRequired(t *testing.T) {
	p := &fixedProvider{response: &domain.ChatResponse{Content: "ok"}}
	s := newTestServer(p, "sekrit")

	body := `{"app_id":"a","user_id":"u","channel":"c","content":"hi"}`

	if rec := postRespond(t, s, body, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token: expected 401, got %d", rec.Code)
	}
	if rec := postRespond(t, s, body, map[string]string{"Authorization": "Bearer wrong"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: expected 401, got %d", rec.Code)
	}
	if rec := postRespond(t, s, body, map[string]string{"Authorization": "Bearer sekrit"}); rec.Code != http.StatusOK {
		t.Errorf("valid token: expected 200, got %d", rec.Code)
	}
}

func TestServer_RespondSSE(t *testing.T) {
	p := &fixedProvider{chunks: []domain.StreamChunk{
		{Content: "He"},
		{Content: "llo"},
		{FinishReason: "stop"},
	}}
	s := newTestServer(p, "")

	rec := postRespond(t, s, `{"app_id":"a","user_id":"u","channel":"c","content":"hi","stream":true}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected SSE content type, got %q", ct)
	}

	body := rec.Body.String()
	var events []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			events = append(events, strings.TrimPrefix(line, "data: "))
		}
	}
	if len(events) != 4 {
		t.Fatalf("expected 3 chunks + [DONE], got %d: %v", len(events), events)
	}
	if events[len(events)-1] != "[DONE]" {
		t.Errorf("stream must end with [DONE], got %q", events[len(events)-1])
	}

	var first domain.StreamChunk
	if err := json.Unmarshal([]byte(events[0]), &first); err != nil {
		t.Fatalf("chunk not JSON: %v", err)
	}
	if first.Content != "He" {
		t.Errorf("expected He, got %q", first.Content)
	}
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(&fixedProvider{}, "")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if payload["status"] != "ok" {
		t.Errorf("expected ok status, got %v", payload["status"])
	}
}
