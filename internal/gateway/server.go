// Package gateway exposes the conversation turn API over HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/metrics"
	"relaybot/internal/orchestrator"
)

const maxBodySize = 1 << 20 // 1MB

// Server serves POST /v1/respond plus health and metrics endpoints. Streaming
// requests get Server-Sent Events, one chunk per event, terminated by [DONE].
type Server struct {
	port          int
	apiKey        string
	exposeMetrics bool
	orch          *orchestrator.Orchestrator
	logger        *slog.Logger
	server        *http.Server
}

type Config struct {
	Port          int
	APIKey        string
	ExposeMetrics bool
	Orchestrator  *orchestrator.Orchestrator
	Logger        *slog.Logger
}

func New(cfg Config) *Server {
	return &Server{
		port:          cfg.Port,
		apiKey:        cfg.APIKey,
		exposeMetrics: cfg.ExposeMetrics,
		orch:          cfg.Orchestrator,
		logger:        cfg.Logger,
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/respond", s.handleRespond)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.exposeMetrics {
		mux.HandleFunc("GET /metrics", metrics.Collector.Handler())
	}

	addr := fmt.Sprintf(":%d", s.port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      300 * time.Second, // streaming turns can run long
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.logger.Info("gateway started", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

func (s *Server) handleRespond(rw http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSONError(rw, http.StatusUnauthorized, "invalid API key")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSONError(rw, http.StatusBadRequest, "bad request")
		return
	}

	var req orchestrator.TurnRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(rw, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.AppID == "" || req.UserID == "" || req.Channel == "" {
		writeJSONError(rw, http.StatusBadRequest, "app_id, user_id and channel are required")
		return
	}
	if req.Content == "" {
		writeJSONError(rw, http.StatusBadRequest, "content is required")
		return
	}

	if req.Stream {
		s.respondStream(rw, r, req)
		return
	}

	result, err := s.orch.Respond(r.Context(), req)
	if err != nil {
		s.logger.Error("turn failed", "app", req.AppID, "user", req.UserID, "err", err)
		writeJSONError(rw, http.StatusBadGateway, "completion failed")
		return
	}

	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(rw).Encode(result)
}

func (s *Server) respondStream(rw http.ResponseWriter, r *http.Request, req orchestrator.TurnRequest) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		writeJSONError(rw, http.StatusInternalServerError, "streaming not supported")
		return
	}

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	started := false
	err := s.orch.RespondStream(r.Context(), req, func(chunk domain.StreamChunk) error {
		data, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(rw, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		started = true
		return nil
	})
	if err != nil {
		s.logger.Error("streaming turn failed", "app", req.AppID, "user", req.UserID, "err", err)
		if started {
			fmt.Fprintf(rw, "data: %s\n\n", `{"error":"stream failed"}`)
			flusher.Flush()
		}
		return
	}

	fmt.Fprint(rw, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) handleHealth(rw http.ResponseWriter, _ *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(map[string]any{
		"status": "ok",
		"uptime": metrics.Collector.Uptime().String(),
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.apiKey == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.apiKey
}

func writeJSONError(rw http.ResponseWriter, status int, msg string) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(map[string]string{"error": msg})
}
