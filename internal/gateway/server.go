package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/courier/internal/observability"
	"github.com/haasonsaas/courier/internal/runs"
	"github.com/haasonsaas/courier/internal/webhook"
	"github.com/haasonsaas/courier/pkg/models"
)

// Authenticity headers shared by inbound triggers and completion
// callbacks.
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
)

// maxBodyBytes caps inbound request bodies.
const maxBodyBytes = 1 << 20

// Server exposes the webhook and callback surfaces over HTTP.
type Server struct {
	addr      string
	pipeline  *Pipeline
	callbacks *runs.CallbackHandler
	verifier  *webhook.Verifier

	// workspaceSecret keys chat trigger verification; emailSecret keys
	// the email surfaces, which may run with slack disabled. Completion
	// callbacks use per-run secrets instead.
	workspaceSecret []byte
	emailSecret     []byte

	metrics *observability.Metrics
	logger  *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// ServerConfig collects the server's collaborators.
type ServerConfig struct {
	Addr            string
	Pipeline        *Pipeline
	Callbacks       *runs.CallbackHandler
	Verifier        *webhook.Verifier
	WorkspaceSecret []byte
	EmailSecret     []byte
	Metrics         *observability.Metrics
	Logger          *slog.Logger
}

// NewServer creates a Server.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:            cfg.Addr,
		pipeline:        cfg.Pipeline,
		callbacks:       cfg.Callbacks,
		verifier:        cfg.Verifier,
		workspaceSecret: cfg.WorkspaceSecret,
		emailSecret:     cfg.EmailSecret,
		metrics:         cfg.Metrics,
		logger:          logger.With("component", "gateway"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/chat", s.handleChatWebhook)
	mux.HandleFunc("POST /webhooks/email", s.handleEmailWebhook)
	mux.HandleFunc("POST /callbacks/runs/{id}", s.handleRunCallback)
	mux.HandleFunc("POST /v1/email/threads", s.handleStartEmailThread)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Start begins serving until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("gateway listening", "addr", listener.Addr().String())
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// ChatEvent is the inbound trigger posted by the chat workspace.
type ChatEvent struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	ThreadID  string `json:"thread_id"`
	Text      string `json:"text"`
}

// handleChatWebhook verifies and accepts a chat trigger. Processing is
// asynchronous; the webhook is acknowledged as soon as the event is
// authentic and well-formed.
func (s *Server) handleChatWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.verifiedBody(w, r, s.workspaceSecret, "chat")
	if !ok {
		return
	}

	var event ChatEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Warn("malformed chat event", "error", err)
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if event.UserID == "" || event.ChannelID == "" || event.Text == "" {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	threadID := event.ThreadID
	if threadID == "" {
		threadID = event.ChannelID
	}
	msg := &models.Message{
		Channel:   models.ChannelSlack,
		ChannelID: event.ChannelID,
		ThreadID:  threadID,
		SenderID:  event.UserID,
		Direction: models.DirectionInbound,
		Content:   event.Text,
		CreatedAt: time.Now(),
	}

	go s.pipeline.HandleChat(context.WithoutCancel(r.Context()), msg)
	w.WriteHeader(http.StatusAccepted)
}

// handleEmailWebhook verifies and accepts an inbound email from the
// mail provider.
func (s *Server) handleEmailWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := s.verifiedBody(w, r, s.emailSecret, "email")
	if !ok {
		return
	}

	var in EmailInbound
	if err := json.Unmarshal(body, &in); err != nil {
		s.logger.Warn("malformed email event", "error", err)
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if in.From == "" || in.To == "" {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	err := s.pipeline.HandleEmailReply(r.Context(), &in)
	switch {
	case errors.Is(err, ErrUnknownRecipient):
		// No valid reply token; nothing to route to.
		http.Error(w, "unknown recipient", http.StatusNotFound)
	case err != nil:
		s.logger.Error("email intake failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

// handleRunCallback applies an executor completion callback. The
// callback handler verifies it against the run's own secret.
func (s *Server) handleRunCallback(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	err = s.callbacks.Handle(r.Context(), runID, body,
		r.Header.Get(HeaderSignature), r.Header.Get(HeaderTimestamp))
	switch {
	case errors.Is(err, runs.ErrCallbackAuth):
		s.countVerifyFailure("callback")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	case err != nil:
		s.logger.Warn("callback rejected", "run_id", runID, "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

// StartEmailThreadRequest begins a new outbound email conversation.
type StartEmailThreadRequest struct {
	OwnerID   string `json:"owner_id"`
	AgentID   string `json:"agent_id"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Prompt    string `json:"prompt"`
}

func (s *Server) handleStartEmailThread(w http.ResponseWriter, r *http.Request) {
	body, ok := s.verifiedBody(w, r, s.emailSecret, "email")
	if !ok {
		return
	}

	var req StartEmailThreadRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" || req.AgentID == "" || req.Recipient == "" || req.Prompt == "" {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	runID, err := s.pipeline.StartEmailThread(r.Context(), req.OwnerID, req.AgentID, req.Recipient, req.Subject, req.Prompt)
	if err != nil {
		s.logger.Error("start email thread failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"run_id": runID})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// verifiedBody reads the request body and checks its authenticity
// headers. On failure it writes the response and returns ok=false.
func (s *Server) verifiedBody(w http.ResponseWriter, r *http.Request, secret []byte, surface string) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return nil, false
	}

	err = s.verifier.Verify(body,
		r.Header.Get(HeaderSignature), r.Header.Get(HeaderTimestamp), secret)
	if err != nil {
		s.countVerifyFailure(surface)
		s.logger.Warn("inbound verification failed", "surface", surface, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	return body, true
}

func (s *Server) countVerifyFailure(surface string) {
	if s.metrics != nil {
		s.metrics.VerifyFailures.WithLabelValues(surface).Inc()
	}
}
