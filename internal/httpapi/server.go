package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yakGPT/yakGPT/internal/chat"
	"github.com/yakGPT/yakGPT/internal/completion"
	"github.com/yakGPT/yakGPT/internal/config"
	"github.com/yakGPT/yakGPT/internal/observability"
	"github.com/yakGPT/yakGPT/internal/redact"
	"github.com/yakGPT/yakGPT/internal/session"
)

// ModelLister reports the chat models an API key can use and whether the
// key is accepted at all.
type ModelLister interface {
	ListModels(ctx context.Context, apiKey string) ([]string, error)
	TestKey(ctx context.Context, apiKey string) (bool, error)
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	models   ModelLister
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, models ModelLister, metrics *observability.Metrics, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		models:   models,
		metrics:  metrics,
		gatherer: gatherer,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only connect from the serving origin unless opted out.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler(s.gatherer).ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/models", s.handleListModels)
	r.Post("/v1/keys/check", s.handleCheckKey)

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Get("/ws", s.handleSessionWS)
		r.Get("/{id}", s.handleGetSession)
		r.Post("/{id}/end", s.handleEndSession)
		r.Post("/{id}/messages", s.handleSubmitMessage)
		r.Post("/{id}/abort", s.handleAbort)
		r.Put("/{id}/settings", s.handleUpdateSettings)
		r.Get("/{id}/chats/{chatID}/export.md", s.handleExportMarkdown)
		r.Get("/{id}/export.json", s.handleExportJSON)
		r.Post("/{id}/import", s.handleImport)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"tts_provider":    s.cfg.TTSProvider,
		"openai_key_set":  strings.TrimSpace(s.cfg.OpenAIAPIKey) != "",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	if s.models == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "model listing not configured")
		return
	}
	models, err := s.models.ListModels(r.Context(), s.cfg.OpenAIAPIKey)
	if err != nil {
		if errors.Is(err, completion.ErrMissingAPIKey) {
			respondError(w, http.StatusBadRequest, "missing_api_key", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "upstream_error", redact.Error(err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"models": models})
}

type checkKeyRequest struct {
	APIKey string `json:"api_key"`
}

func (s *Server) handleCheckKey(w http.ResponseWriter, r *http.Request) {
	if s.models == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "model listing not configured")
		return
	}
	var req checkKeyRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	key := strings.TrimSpace(req.APIKey)
	if key == "" {
		key = s.cfg.OpenAIAPIKey
	}
	valid, err := s.models.TestKey(r.Context(), key)
	if err != nil {
		if errors.Is(err, completion.ErrMissingAPIKey) {
			respondError(w, http.StatusBadRequest, "missing_api_key", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "upstream_error", redact.Error(err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"valid": valid})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}

	info, err := s.sessions.Create(r.Context(), req.UserID)
	if err != nil {
		s.logger.Error("create session failed", "user_id", req.UserID, "err", err)
		respondError(w, http.StatusInternalServerError, "session_unavailable", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.ObserveSessionEvent("created")

	respondJSON(w, http.StatusCreated, session.NewCreateResponse(info, s.sessions.InactivityTimeout()))
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	info, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.ObserveSessionEvent("ended")
	respondJSON(w, http.StatusOK, info)
}

// chatSession resolves the {id} route parameter, answering 404 itself.
func (s *Server) chatSession(w http.ResponseWriter, r *http.Request) (*session.ChatSession, bool) {
	cs, err := s.sessions.Chat(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	}
	return cs, true
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	body := map[string]any{"session": info}
	if cs, err := s.sessions.Chat(info.ID); err == nil {
		body["snapshot"] = cs.Snapshot()
	}
	respondJSON(w, http.StatusOK, body)
}

type submitRequest struct {
	MessageID string    `json:"message_id"`
	Role      chat.Role `json:"role"`
	Content   string    `json:"content"`
}

func (s *Server) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	cs, ok := s.chatSession(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	msg := chat.NewMessage(req.Role, req.Content)
	if req.MessageID != "" {
		msg.ID = req.MessageID
	}
	if err := cs.SubmitMessage(msg); err != nil {
		respondActionError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "message_id": msg.ID})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	cs, ok := s.chatSession(w, r)
	if !ok {
		return
	}
	cs.Abort()
	respondJSON(w, http.StatusOK, map[string]any{"status": "aborted"})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	cs, ok := s.chatSession(w, r)
	if !ok {
		return
	}
	// Fields missing from the body keep their current values.
	form := cs.Settings()
	if err := decodeJSON(r, &form); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := cs.UpdateSettings(form); err != nil {
		respondActionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cs.Settings())
}

func (s *Server) handleExportMarkdown(w http.ResponseWriter, r *http.Request) {
	cs, ok := s.chatSession(w, r)
	if !ok {
		return
	}
	md, err := cs.ExportMarkdown(chi.URLParam(r, "chatID"))
	if err != nil {
		respondActionError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, md)
}

func (s *Server) handleExportJSON(w http.ResponseWriter, r *http.Request) {
	cs, ok := s.chatSession(w, r)
	if !ok {
		return
	}
	raw, err := cs.ExportJSON()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "export_failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="chats.json"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	cs, ok := s.chatSession(w, r)
	if !ok {
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxImportBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := cs.ImportJSON(raw); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_import", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, cs.Snapshot())
}

const maxImportBytes = 32 << 20

// respondActionError maps session errors onto HTTP statuses.
func respondActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		respondError(w, http.StatusBadRequest, "empty_message", err.Error())
	case errors.Is(err, completion.ErrMissingAPIKey):
		respondError(w, http.StatusBadRequest, "missing_api_key", err.Error())
	case errors.Is(err, chat.ErrInvalidSettings):
		respondError(w, http.StatusUnprocessableEntity, "invalid_settings", err.Error())
	case errors.Is(err, session.ErrChatNotFound), errors.Is(err, session.ErrNoSuchMessage):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, session.ErrClosed):
		respondError(w, http.StatusGone, "session_closed", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return errEmptyBody
	}
	return sonic.Unmarshal(raw, out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	raw, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// shutdownGrace bounds how long a closing socket may flush.
const shutdownGrace = time.Second
