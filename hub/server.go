package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

var (
	errMissingToken = echo.NewHTTPError(http.StatusUnauthorized, "token is required")
	errNoSubject    = echo.NewHTTPError(http.StatusUnauthorized, "token carries no email or subject")
)

// ServerConfig configures the dev server.
type ServerConfig struct {
	// JWTSecret verifies HS256 channel tokens.
	JWTSecret string
	// PublishSecret signs POST /events bodies. Empty disables the endpoint.
	PublishSecret string
	// OriginPatterns are the browser origins allowed to open a channel.
	OriginPatterns []string
	Logger         zerolog.Logger
}

// Server exposes a Hub over HTTP.
type Server struct {
	hub       *Hub
	cfg       ServerConfig
	publisher *Publisher
	router    *echo.Echo
}

func NewServer(h *Hub, cfg ServerConfig) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret is required")
	}

	s := &Server{
		hub:    h,
		cfg:    cfg,
		router: echo.New(),
	}
	if cfg.PublishSecret != "" {
		p, err := NewPublisher(h, cfg.PublishSecret)
		if err != nil {
			return nil, err
		}
		s.publisher = p
	}

	s.router.HideBanner = true
	s.router.HidePort = true
	s.router.Use(middleware.Recover())
	s.router.Use(s.requestLogger)

	s.router.GET("/health", s.health)
	s.router.GET("/ws/lessons", s.channel)
	if s.publisher != nil {
		s.router.POST("/events", s.publish)
	}
	return s, nil
}

// ServeHTTP lets the server be mounted on any http.Server or httptest.Server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start(addr string) error {
	s.cfg.Logger.Info().Str("addr", addr).Msg("hub listening")
	err := s.router.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.router.Shutdown(ctx)
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		s.cfg.Logger.Debug().
			Str("method", c.Request().Method).
			Str("path", c.Path()).
			Int("status", c.Response().Status).
			Dur("took", time.Since(start)).
			Err(err).
			Msg("request")
		return err
	}
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"status": "ok", "service": "teachnlearn-hub"})
}

func (s *Server) channel(c echo.Context) error {
	subject, err := s.authenticate(c.QueryParam("token"))
	if err != nil {
		return err
	}

	conn, err := websocket.Accept(c.Response().Writer, c.Request(), &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		// Accept has already written the error response.
		s.cfg.Logger.Warn().Err(err).Msg("websocket accept failed")
		return nil
	}
	defer conn.CloseNow()

	scope := strings.TrimSpace(c.QueryParam("lessonId"))
	if err := s.hub.Serve(c.Request().Context(), conn, subject, scope); err != nil {
		s.cfg.Logger.Debug().Err(err).Str("subject", subject).Msg("channel ended")
	}
	return nil
}

func (s *Server) publish(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read body")
	}

	status, data := s.publisher.Handle(c.Request().Context(), body, c.Request().Header.Get(SignatureHeader))
	return c.JSON(status, data)
}

// ============================================================================
// Auth
// ============================================================================

// authenticate verifies an HS256 token and returns its subject: the email
// claim, any namespaced ".../email" claim, or sub.
func (s *Server) authenticate(token string) (string, error) {
	if token == "" {
		return "", errMissingToken
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid token").SetInternal(err)
	}

	if email, ok := claims["email"].(string); ok && strings.TrimSpace(email) != "" {
		return normalizeSubject(email), nil
	}
	for k, v := range claims {
		if email, ok := v.(string); ok && strings.HasSuffix(k, "/email") && strings.TrimSpace(email) != "" {
			return normalizeSubject(email), nil
		}
	}
	if sub, ok := claims["sub"].(string); ok && strings.TrimSpace(sub) != "" {
		return normalizeSubject(sub), nil
	}
	return "", errNoSubject
}

func normalizeSubject(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
