// Package httpapi exposes the mailbox handler over HTTP: the push webhook the
// notification channel delivers to, and the lifecycle and settings routes the
// host calls.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/joshsymonds/mailwatch/internal/config"
	"github.com/joshsymonds/mailwatch/internal/mailsync"
)

const correlationHeader = "X-Correlation-Id"

type ServerConfig struct {
	MaxBodyBytes int64
}

type Server struct {
	handler mailsync.Handler
	cfg     ServerConfig
	log     *slog.Logger
}

func NewServer(handler mailsync.Handler, cfg ServerConfig, logger *slog.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{handler: handler, cfg: cfg, log: logger}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set(correlationHeader, correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "mailboxes" || parts[1] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	mailboxID := parts[1]

	switch {
	case len(parts) == 4 && parts[2] == "callbacks" && parts[3] == "messages" && r.Method == http.MethodPost:
		s.handleNotification(w, r, mailboxID, correlationID)
	case len(parts) == 3 && parts[2] == "setup" && r.Method == http.MethodPost:
		s.handleSetup(w, r, mailboxID, correlationID)
	case len(parts) == 2 && r.Method == http.MethodDelete:
		s.handleTeardown(w, r, mailboxID, correlationID)
	case len(parts) == 3 && parts[2] == "health" && r.Method == http.MethodGet:
		s.handleReady(w, r, mailboxID, correlationID)
	case len(parts) == 3 && parts[2] == "config" && r.Method == http.MethodGet:
		s.handleGetConfig(w, r, mailboxID, correlationID)
	case len(parts) == 3 && parts[2] == "config" && (r.Method == http.MethodPut || r.Method == http.MethodPatch):
		s.handleUpdateConfig(w, r, mailboxID, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// handleNotification answers 2xx for anything that needs no redelivery,
// including stale and undecodable deliveries. Failures answer 5xx so the
// channel redelivers.
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request, mailboxID, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	delta, err := s.handler.OnNotification(r.Context(), mailboxID, body)
	if err != nil {
		s.writeHandlerError(w, "notification", mailboxID, correlationID, err)
		return
	}
	writeJSON(w, http.StatusOK, delta)
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request, mailboxID, correlationID string) {
	refresh := false
	if v := r.URL.Query().Get("refresh"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "refresh must be a boolean", correlationID)
			return
		}
		refresh = parsed
	}
	if _, err := s.handler.OnLifecycleSetup(r.Context(), mailboxID, refresh); err != nil {
		s.writeHandlerError(w, "setup", mailboxID, correlationID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mailbox": mailboxID, "ok": true})
}

func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request, mailboxID, correlationID string) {
	if _, err := s.handler.OnLifecycleTeardown(r.Context(), mailboxID); err != nil {
		s.writeHandlerError(w, "teardown", mailboxID, correlationID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request, mailboxID, correlationID string) {
	ready, err := s.handler.Ready(r.Context(), mailboxID)
	if err != nil {
		s.writeHandlerError(w, "health", mailboxID, correlationID, err)
		return
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"mailbox": mailboxID, "ready": ready})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request, mailboxID, correlationID string) {
	cfg, err := s.handler.Config(r.Context(), mailboxID)
	if err != nil {
		s.writeHandlerError(w, "config", mailboxID, correlationID, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request, mailboxID, correlationID string) {
	var overrides map[string]any
	if !s.decodeJSONBody(w, r, correlationID, &overrides) {
		return
	}
	cfg, err := s.handler.OnConfigUpdate(r.Context(), mailboxID, overrides)
	if err != nil {
		s.writeHandlerError(w, "config update", mailboxID, correlationID, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) writeHandlerError(w http.ResponseWriter, op, mailboxID, correlationID string, err error) {
	var te *mailsync.TransportError
	switch {
	case errors.Is(err, config.ErrInvalidOverride):
		writeError(w, http.StatusBadRequest, "invalid_config", err.Error(), correlationID)
		return
	case errors.Is(err, mailsync.ErrUnknownMailbox):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		return
	case errors.Is(err, mailsync.ErrAccountMismatch):
		writeError(w, http.StatusConflict, "account_mismatch", err.Error(), correlationID)
		return
	case errors.As(err, &te):
		s.log.Error("upstream call failed", "op", op, "mailbox", mailboxID, "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error(), correlationID)
		return
	}
	s.log.Error("request failed", "op", op, "mailbox", mailboxID, "correlation_id", correlationID, "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
}

// getCorrelationID returns the caller's id or mints one.
func getCorrelationID(r *http.Request) string {
	if id := r.Header.Get(correlationHeader); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
