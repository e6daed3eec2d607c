// Package handler adapts API Gateway proxy events to the session use case.
// Its request and response bodies are the public wire contract and are
// shared with the local HTTP server.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"didi-voice/internal/domain"
	"didi-voice/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// SessionUseCase is the application surface served over HTTP.
type SessionUseCase interface {
	StartSession(ctx context.Context, in usecase.StartInput) (usecase.StartOutput, error)
	SendMessage(ctx context.Context, in usecase.SendInput) (usecase.SendOutput, error)
	ClearSession(ctx context.Context, sessionID string) error
	Summary(ctx context.Context, sessionID string) (domain.Summary, error)
	Health(ctx context.Context) error
}

type StartRequest struct {
	Topic   string             `json:"topic"`
	Profile domain.UserProfile `json:"profile"`
}

type StartResponse struct {
	SessionID   string       `json:"sessionId"`
	OpeningText string       `json:"openingText"`
	Topic       domain.Topic `json:"topic"`
}

type MessageRequest struct {
	Text string `json:"text"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// StatusFor maps a use case failure to its HTTP status and body. Only the
// error reason is exposed, never the wrapped cause.
func StatusFor(err error) (int, ErrorResponse) {
	code := usecase.CodeOf(err)
	body := ErrorResponse{Error: string(code)}

	var useErr *usecase.Error
	if errors.As(err, &useErr) {
		body.Message = useErr.Reason
	}
	switch code {
	case usecase.ErrorInvalidInput, usecase.ErrorUnsupportedTopic:
		return http.StatusBadRequest, body
	case usecase.ErrorNotFound:
		return http.StatusNotFound, body
	case usecase.ErrorUpstream:
		return http.StatusBadGateway, body
	default:
		body.Error = string(usecase.ErrorInternal)
		return http.StatusInternalServerError, body
	}
}

type Handler struct {
	uc     SessionUseCase
	logger *slog.Logger
}

func NewHandler(uc SessionUseCase) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	return &Handler{uc: uc, logger: slog.Default()}, nil
}

// Handle routes one proxy event.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := h.logger.With("correlation_id", correlationID, "method", event.HTTPMethod, "path", event.Path)

	resp := h.route(ctx, log, event)
	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}
	resp.Headers[correlationHeader] = correlationID
	log.Info("request handled", "status", resp.StatusCode)
	return resp, nil
}

func (h *Handler) route(ctx context.Context, log *slog.Logger, event events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	segments := splitPath(event.Path)
	method := strings.ToUpper(event.HTTPMethod)

	switch {
	case method == http.MethodGet && matches(segments, "health"):
		return h.health(ctx, log)
	case method == http.MethodPost && matches(segments, "sessions"):
		return h.start(ctx, log, event.Body)
	case method == http.MethodPost && matches(segments, "sessions", "*", "messages"):
		return h.message(ctx, log, segments[1], event.Body)
	case method == http.MethodDelete && matches(segments, "sessions", "*"):
		return h.clear(ctx, log, segments[1])
	case method == http.MethodGet && matches(segments, "sessions", "*", "summary"):
		return h.summary(ctx, log, segments[1])
	default:
		return jsonResponse(http.StatusNotFound, ErrorResponse{Error: string(usecase.ErrorNotFound), Message: "route_not_found"})
	}
}

func (h *Handler) start(ctx context.Context, log *slog.Logger, body string) events.APIGatewayProxyResponse {
	var req StartRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return invalidBody()
	}
	out, err := h.uc.StartSession(ctx, usecase.StartInput{Topic: domain.Topic(req.Topic), Profile: req.Profile})
	if err != nil {
		return errorResponse(log, err)
	}
	return jsonResponse(http.StatusCreated, StartResponse{
		SessionID:   out.SessionID,
		OpeningText: out.OpeningText,
		Topic:       out.Topic,
	})
}

func (h *Handler) message(ctx context.Context, log *slog.Logger, sessionID, body string) events.APIGatewayProxyResponse {
	var req MessageRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return invalidBody()
	}
	out, err := h.uc.SendMessage(ctx, usecase.SendInput{SessionID: sessionID, Text: req.Text})
	if err != nil {
		return errorResponse(log, err)
	}
	return jsonResponse(http.StatusOK, out)
}

func (h *Handler) clear(ctx context.Context, log *slog.Logger, sessionID string) events.APIGatewayProxyResponse {
	if err := h.uc.ClearSession(ctx, sessionID); err != nil {
		return errorResponse(log, err)
	}
	return events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}
}

func (h *Handler) summary(ctx context.Context, log *slog.Logger, sessionID string) events.APIGatewayProxyResponse {
	out, err := h.uc.Summary(ctx, sessionID)
	if err != nil {
		return errorResponse(log, err)
	}
	return jsonResponse(http.StatusOK, out)
}

func (h *Handler) health(ctx context.Context, log *slog.Logger) events.APIGatewayProxyResponse {
	if err := h.uc.Health(ctx); err != nil {
		log.Warn("health check failed", "err", err)
		return jsonResponse(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: string(usecase.CodeOf(err))})
	}
	return jsonResponse(http.StatusOK, HealthResponse{Status: "ok"})
}

func invalidBody() events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusBadRequest, ErrorResponse{Error: string(usecase.ErrorInvalidInput), Message: "invalid_json"})
}

func errorResponse(log *slog.Logger, err error) events.APIGatewayProxyResponse {
	status, body := StatusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "status", status, "err", err)
	}
	return jsonResponse(status, body)
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

// headerValue looks a header up case-insensitively.
func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func splitPath(path string) []string {
	var out []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// matches compares path segments against a pattern where "*" matches any
// single segment.
func matches(segments []string, pattern ...string) bool {
	if len(segments) != len(pattern) {
		return false
	}
	for i, p := range pattern {
		if p != "*" && p != segments[i] {
			return false
		}
	}
	return true
}
