package teachnlearn

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidBaseURL is returned when an API base address cannot be turned
// into a channel address.
var ErrInvalidBaseURL = errors.New("invalid base url")

// ============================================================================
// Streams
// ============================================================================

// Stream describes one notification stream served by the push channel.
type Stream struct {
	// Entity is the prefix of the frame type ("lesson" in "lesson.created").
	Entity string
	// Path is appended to the base address to reach the stream.
	Path string
	// ScopeField names the frame field compared against the channel scope.
	// Empty means the stream is never scoped.
	ScopeField string
	// KeyField names the frame field carrying the sub-key of updated and
	// deleted items.
	KeyField string
}

var (
	// LessonsStream notifies about the lessons of the authenticated user.
	LessonsStream = Stream{
		Entity:   "lesson",
		Path:     "/ws/lessons",
		KeyField: "lessonId",
	}

	// SectionsStream notifies about the sections of one lesson.
	SectionsStream = Stream{
		Entity:     "section",
		Path:       "/ws/lessons",
		ScopeField: "lessonId",
		KeyField:   "sectionKey",
	}
)

// ChannelIdentity decides whether a live channel can be kept or must be
// replaced.
type ChannelIdentity struct {
	BaseURL  string
	Audience string
	Scope    string
}

func (id ChannelIdentity) String() string {
	if id.Scope == "" {
		return id.BaseURL
	}
	return id.BaseURL + "#" + id.Scope
}

// ============================================================================
// URL builder
// ============================================================================

// ChannelURL builds the push channel address for a stream. The token travels
// as a query parameter because the websocket handshake cannot carry custom
// headers from a browser.
func ChannelURL(baseURL, token string, stream Stream, scope string) (string, error) {
	u, err := channelBase(baseURL)
	if err != nil {
		return "", err
	}

	u.Path = strings.TrimRight(u.Path, "/") + stream.Path
	u.RawPath = ""

	q := u.Query()
	q.Set("token", token)
	if scope != "" && stream.ScopeField != "" {
		q.Set(stream.ScopeField, scope)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func channelBase(baseURL string) (*url.URL, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty address", ErrInvalidBaseURL)
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBaseURL, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidBaseURL, u.Scheme)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidBaseURL, baseURL)
	}
	u.Fragment = ""

	return u, nil
}
