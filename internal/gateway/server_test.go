package gateway

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/haasonsaas/courier/internal/runs"
	"github.com/haasonsaas/courier/internal/webhook"
	"github.com/haasonsaas/courier/pkg/models"
)

var (
	workspaceSecret = []byte("workspace-signing-secret")
	emailSecret     = []byte("email-webhook-secret")
)

func newTestServer(t *testing.T) (*Server, *fixture) {
	t.Helper()
	f := newFixture(t)
	box, err := runs.NewSecretBox([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewSecretBox error: %v", err)
	}
	handler := runs.NewCallbackHandler(f.runs, box, webhook.NewVerifier(), NewNotifier(f.pipeline), testLogger())

	return NewServer(ServerConfig{
		Addr:            "127.0.0.1:0",
		Pipeline:        f.pipeline,
		Callbacks:       handler,
		Verifier:        webhook.NewVerifier(),
		WorkspaceSecret: workspaceSecret,
		EmailSecret:     emailSecret,
		Logger:          testLogger(),
	}), f
}

func signedRequest(t *testing.T, method, path string, body []byte, secret []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, webhook.Sign(body, ts, secret))
	return req
}

func TestChatWebhook(t *testing.T) {
	t.Run("signed well-formed event accepted", func(t *testing.T) {
		srv, _ := newTestServer(t)
		body := []byte(`{"user_id":"U1","channel_id":"C1","thread_id":"171.001","text":"use coder fix the bug"}`)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, signedRequest(t, http.MethodPost, "/webhooks/chat", body, workspaceSecret))
		if rec.Code != http.StatusAccepted {
			t.Errorf("status = %d, want 202", rec.Code)
		}
	})

	t.Run("bad signature rejected", func(t *testing.T) {
		srv, _ := newTestServer(t)
		body := []byte(`{"user_id":"U1","channel_id":"C1","text":"hi"}`)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, signedRequest(t, http.MethodPost, "/webhooks/chat", body, []byte("wrong-secret")))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("missing headers rejected", func(t *testing.T) {
		srv, _ := newTestServer(t)
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/webhooks/chat", bytes.NewReader([]byte(`{}`)))
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("malformed body rejected after verification", func(t *testing.T) {
		srv, _ := newTestServer(t)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, signedRequest(t, http.MethodPost, "/webhooks/chat", []byte(`not json`), workspaceSecret))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("missing required fields rejected", func(t *testing.T) {
		srv, _ := newTestServer(t)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, signedRequest(t, http.MethodPost, "/webhooks/chat", []byte(`{"text":"hi"}`), workspaceSecret))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestEmailWebhook(t *testing.T) {
	t.Run("unknown recipient yields 404", func(t *testing.T) {
		srv, _ := newTestServer(t)
		body := []byte(`{"from":"dev@example.org","to":"info@courier.example.com","text":"hello"}`)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, signedRequest(t, http.MethodPost, "/webhooks/email", body, emailSecret))
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("workspace secret does not verify email surface", func(t *testing.T) {
		srv, _ := newTestServer(t)
		body := []byte(`{"from":"dev@example.org","to":"info@courier.example.com","text":"hello"}`)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, signedRequest(t, http.MethodPost, "/webhooks/email", body, workspaceSecret))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("valid reply token accepted", func(t *testing.T) {
		srv, f := newTestServer(t)
		token := f.tokens.Encode("sess-1")
		if err := f.emails.Create(t.Context(), &models.EmailThreadSession{
			ID: "ets-1", OwnerID: "U1", AgentID: "agent-coder", SessionID: "sess-1", Token: token,
		}); err != nil {
			t.Fatalf("Create error: %v", err)
		}
		body := []byte(`{"from":"dev@example.org","to":"reply+` + token + `@courier.example.com","subject":"Re: x","text":"again","message_id":"<m2@example.org>"}`)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, signedRequest(t, http.MethodPost, "/webhooks/email", body, emailSecret))
		if rec.Code != http.StatusAccepted {
			t.Errorf("status = %d, want 202: %s", rec.Code, rec.Body.String())
		}
	})
}

func TestRunCallbackEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	t.Run("unknown run unauthorized", func(t *testing.T) {
		body := []byte(`{"runId":"nope","status":"completed","payload":{}}`)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, signedRequest(t, http.MethodPost, "/callbacks/runs/nope", body, []byte("whatever")))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
