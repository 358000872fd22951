// Package teachnlearn is the Go SDK for the teachnlearn lesson API.
//
// The REST client fetches lessons and sections. The push channel keeps a
// consumer informed about changes so it knows when to fetch again; it never
// carries the changed state itself.
//
// Example:
//
//	client := teachnlearn.NewClient(token, teachnlearn.WithBaseURL("https://api.example.com"))
//
//	lessons, _ := client.ListLessons(ctx)
//
//	mgr, _ := client.SectionsChannel(lessonID, teachnlearn.Handlers{
//		OnIndexChanged: func() { refreshIndex() },
//		OnItemChanged:  func(key string) { refreshSection(key) },
//	})
//	mgr.Activate()
//	defer mgr.Deactivate()
package teachnlearn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	baseURL    string
	audience   string
	tokens     TokenProvider
	httpClient *http.Client
	logger     zerolog.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithTokenProvider replaces the static token passed to NewClient.
func WithTokenProvider(tokens TokenProvider) ClientOption {
	return func(c *Client) { c.tokens = tokens }
}

// WithAudience sets the audience requested from the token provider.
func WithAudience(audience string) ClientOption {
	return func(c *Client) { c.audience = audience }
}

// NewClient creates a new client. token may be empty when a provider is
// supplied with WithTokenProvider.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		tokens:  StaticToken(token),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API base address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	token, err := c.tokens(ctx, c.audience)
	switch {
	case err == nil:
		req.Header.Set("Authorization", "Bearer "+token)
	case !errors.Is(err, ErrNoToken):
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("api request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(body, apiErr)
		return nil, apiErr
	}
	return body, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return c.doRequest(ctx, http.MethodGet, path)
}

// ============================================================================
// Lesson API
// ============================================================================

// Health checks that the API is up. It needs no token.
func (c *Client) Health(ctx context.Context) (*HealthResult, error) {
	data, err := c.get(ctx, "/health")
	if err != nil {
		return nil, err
	}
	return decodeJSON[HealthResult](data)
}

// ListLessons lists every lesson of the authenticated user.
func (c *Client) ListLessons(ctx context.Context) ([]Lesson, error) {
	data, err := c.get(ctx, "/lesson")
	if err != nil {
		return nil, err
	}
	list, err := decodeJSON[lessonList](data)
	if err != nil {
		return nil, err
	}
	return list.Lessons, nil
}

func (c *Client) ListLessonsByStatus(ctx context.Context, status string) ([]Lesson, error) {
	data, err := c.get(ctx, "/lesson/"+url.PathEscape(status))
	if err != nil {
		return nil, err
	}
	list, err := decodeJSON[lessonList](data)
	if err != nil {
		return nil, err
	}
	return list.Lessons, nil
}

func (c *Client) GetLesson(ctx context.Context, lessonID string) (*Lesson, error) {
	data, err := c.get(ctx, "/lesson/id/"+url.PathEscape(lessonID))
	if err != nil {
		return nil, err
	}
	return decodeJSON[Lesson](data)
}

func (c *Client) GetSectionsIndex(ctx context.Context, lessonID string) (*SectionsIndex, error) {
	data, err := c.get(ctx, "/lesson/id/"+url.PathEscape(lessonID)+"/sections/index")
	if err != nil {
		return nil, err
	}
	return decodeJSON[SectionsIndex](data)
}

func (c *Client) GetSection(ctx context.Context, lessonID, key string) (*Section, error) {
	data, err := c.get(ctx, "/lesson/id/"+url.PathEscape(lessonID)+"/sections/"+url.PathEscape(key))
	if err != nil {
		return nil, err
	}
	return decodeJSON[Section](data)
}

// ============================================================================
// Push channels
// ============================================================================

// LessonsChannel returns an inactive manager for the lesson list of the
// authenticated user.
func (c *Client) LessonsChannel(handlers Handlers, opts ...ManagerOption) (*Manager, error) {
	return c.channel(LessonsStream, "", handlers, opts)
}

// SectionsChannel returns an inactive manager for the sections of one lesson.
func (c *Client) SectionsChannel(lessonID string, handlers Handlers, opts ...ManagerOption) (*Manager, error) {
	return c.channel(SectionsStream, lessonID, handlers, opts)
}

func (c *Client) channel(stream Stream, scope string, handlers Handlers, opts []ManagerOption) (*Manager, error) {
	identity := ChannelIdentity{BaseURL: c.baseURL, Audience: c.audience, Scope: scope}
	base := []ManagerOption{WithChannelLogger(c.logger)}
	return NewManager(identity, stream, c.tokens, handlers, append(base, opts...)...)
}
