package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"didi-voice/handler"
	"didi-voice/internal/catalog"
	"didi-voice/internal/conversation"
	"didi-voice/internal/domain"
	"didi-voice/internal/repository"
	"didi-voice/internal/usecase"
)

type fakeProvider struct {
	text string
	err  error
}

func (p *fakeProvider) Generate(context.Context, string) (string, error) {
	return p.text, p.err
}

type statusErr struct{ code int }

func (e *statusErr) Error() string       { return "status" }
func (e *statusErr) HTTPStatusCode() int { return e.code }

// newTestServer wires the real service to an in-memory SQLite store.
func newTestServer(t *testing.T, p conversation.Provider) *Server {
	t.Helper()
	store, err := repository.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cat, err := catalog.Default()
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := usecase.NewSessionService(p, cat, store,
		usecase.WithLogger(logger),
		usecase.WithSessionOptions(conversation.WithRetryPolicy(conversation.RetryPolicy{
			Attempts:       2,
			BaseDelay:      time.Millisecond,
			AttemptTimeout: time.Second,
		})),
	)
	require.NoError(t, err)

	srv, err := New(svc, logger)
	require.NoError(t, err)
	return srv
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestNew_RequiresUseCase(t *testing.T) {
	_, err := New(nil, nil)
	require.Error(t, err)
}

func TestConversationFlow(t *testing.T) {
	srv := newTestServer(t, &fakeProvider{text: "बहुत अच्छा सवाल है। आप रोज़ कितना पानी पीती हैं?"})

	rec := do(t, srv, http.MethodPost, "/sessions", `{"topic":"general_health","profile":{"name":"Kamla"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	started := decode[handler.StartResponse](t, rec)
	require.NotEmpty(t, started.SessionID)
	require.Equal(t, domain.TopicGeneralHealth, started.Topic)
	require.NotEmpty(t, started.OpeningText)
	require.NotEmpty(t, rec.Header().Get(correlationHeader))

	rec = do(t, srv, http.MethodPost, "/sessions/"+started.SessionID+"/messages", `{"text":"मुझे थकान रहती है"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	reply := decode[domain.Reply](t, rec)
	require.True(t, reply.IsRealAI)
	require.False(t, reply.EndCall)
	require.Equal(t, started.SessionID, reply.SessionID)

	rec = do(t, srv, http.MethodGet, "/sessions/"+started.SessionID+"/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[domain.Summary](t, rec)
	require.Equal(t, 1, sum.UserTurns)
	require.Equal(t, 1, sum.RealAITurns)
	require.Equal(t, 1, sum.APICallCount)

	rec = do(t, srv, http.MethodDelete, "/sessions/"+started.SessionID, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, srv, http.MethodPost, "/sessions/"+started.SessionID+"/messages", `{"text":"फिर से"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, string(usecase.ErrorNotFound), decode[handler.ErrorResponse](t, rec).Error)
}

func TestFallbackReply(t *testing.T) {
	srv := newTestServer(t, &fakeProvider{err: &statusErr{code: 429}})

	rec := do(t, srv, http.MethodPost, "/sessions", `{"topic":"menstrual_health"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[handler.StartResponse](t, rec).SessionID

	rec = do(t, srv, http.MethodPost, "/sessions/"+id+"/messages", `{"text":"नमस्ते"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	reply := decode[domain.Reply](t, rec)
	require.True(t, reply.IsFallback)
	require.False(t, reply.EndCall)
	require.NotEmpty(t, reply.Text)
}

func TestErrors(t *testing.T) {
	srv := newTestServer(t, &fakeProvider{text: "ok"})

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   usecase.ErrorCode
	}{
		{"unknown topic", http.MethodPost, "/sessions", `{"topic":"cricket"}`, http.StatusBadRequest, usecase.ErrorUnsupportedTopic},
		{"missing topic", http.MethodPost, "/sessions", `{}`, http.StatusBadRequest, usecase.ErrorInvalidInput},
		{"bad json", http.MethodPost, "/sessions", `{`, http.StatusBadRequest, usecase.ErrorInvalidInput},
		{"unknown session", http.MethodGet, "/sessions/nope/summary", "", http.StatusNotFound, usecase.ErrorNotFound},
		{"empty text", http.MethodPost, "/sessions/nope/messages", `{"text":"  "}`, http.StatusBadRequest, usecase.ErrorInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, srv, tc.method, tc.path, tc.body)
			require.Equal(t, tc.status, rec.Code)
			require.Equal(t, string(tc.code), decode[handler.ErrorResponse](t, rec).Error)
		})
	}
}

func TestClearUnknownSessionIsNoContent(t *testing.T) {
	srv := newTestServer(t, &fakeProvider{text: "ok"})
	rec := do(t, srv, http.MethodDelete, "/sessions/never-existed", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(t, &fakeProvider{text: "ok"}), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decode[handler.HealthResponse](t, rec).Status)

	rec = do(t, newTestServer(t, &fakeProvider{err: &statusErr{code: 500}}), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	out := decode[handler.HealthResponse](t, rec)
	require.Equal(t, "unavailable", out.Status)
	require.Equal(t, string(usecase.ErrorUpstream), out.Error)
}

func TestCorrelationIDIsEchoed(t *testing.T) {
	srv := newTestServer(t, &fakeProvider{text: "ok"})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(correlationHeader, "corr-42")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, "corr-42", rec.Header().Get(correlationHeader))
}
