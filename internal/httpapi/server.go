// Package httpapi serves the session API over plain HTTP with echo, for
// running the service outside Lambda. Routes and bodies match package handler.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"didi-voice/handler"
	"didi-voice/internal/domain"
	"didi-voice/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type Server struct {
	uc     handler.SessionUseCase
	logger *slog.Logger
	echo   *echo.Echo
}

func New(uc handler.SessionUseCase, logger *slog.Logger) (*Server, error) {
	if uc == nil {
		return nil, errors.New("httpapi: use case must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{uc: uc, logger: logger, echo: echo.New()}
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator:    uuid.NewString,
		TargetHeader: correlationHeader,
	}))
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"correlation_id", v.RequestID,
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				s.logger.Error("request failed", append(attrs, "err", v.Error)...)
				return nil
			}
			s.logger.Info("request handled", attrs...)
			return nil
		},
	}))

	s.RegisterRoutes(s.echo)
	return s, nil
}

// RegisterRoutes mounts the session routes on e.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", s.health)
	e.POST("/sessions", s.start)
	e.POST("/sessions/:id/messages", s.message)
	e.DELETE("/sessions/:id", s.clear)
	e.GET("/sessions/:id/summary", s.summary)
}

// Handler exposes the configured router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) start(c echo.Context) error {
	var req handler.StartRequest
	if err := c.Bind(&req); err != nil {
		return invalidBody(c)
	}
	out, err := s.uc.StartSession(c.Request().Context(), usecase.StartInput{
		Topic:   domain.Topic(req.Topic),
		Profile: req.Profile,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, handler.StartResponse{
		SessionID:   out.SessionID,
		OpeningText: out.OpeningText,
		Topic:       out.Topic,
	})
}

func (s *Server) message(c echo.Context) error {
	var req handler.MessageRequest
	if err := c.Bind(&req); err != nil {
		return invalidBody(c)
	}
	out, err := s.uc.SendMessage(c.Request().Context(), usecase.SendInput{
		SessionID: c.Param("id"),
		Text:      req.Text,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) clear(c echo.Context) error {
	if err := s.uc.ClearSession(c.Request().Context(), c.Param("id")); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) summary(c echo.Context) error {
	out, err := s.uc.Summary(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) health(c echo.Context) error {
	if err := s.uc.Health(c.Request().Context()); err != nil {
		s.logger.Warn("health check failed", "err", err)
		return c.JSON(http.StatusServiceUnavailable, handler.HealthResponse{
			Status: "unavailable",
			Error:  string(usecase.CodeOf(err)),
		})
	}
	return c.JSON(http.StatusOK, handler.HealthResponse{Status: "ok"})
}

func (s *Server) fail(c echo.Context, err error) error {
	status, body := handler.StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"correlation_id", c.Response().Header().Get(correlationHeader),
			"status", status,
			"err", err,
		)
	}
	return c.JSON(status, body)
}

func invalidBody(c echo.Context) error {
	return c.JSON(http.StatusBadRequest, handler.ErrorResponse{
		Error:   string(usecase.ErrorInvalidInput),
		Message: "invalid_json",
	})
}
