package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-publish-secret-key"

func makeTestRequest() map[string]any {
	return map[string]any{
		"subject": "Teacher@Example.com",
		"event": map[string]any{
			"type":       "section.updated",
			"lessonId":   "L1",
			"sectionKey": "intro",
		},
	}
}

func makeTestBody(t *testing.T) []byte {
	t.Helper()
	b, err := json.Marshal(makeTestRequest())
	require.NoError(t, err)
	return b
}

// ============================================================================
// VerifySignature
// ============================================================================

func TestVerifySignature(t *testing.T) {
	t.Run("valid signature", func(t *testing.T) {
		body := makeTestBody(t)
		assert.True(t, VerifySignature(body, Sign(body, testSecret), testSecret))
	})

	t.Run("valid without prefix", func(t *testing.T) {
		body := makeTestBody(t)
		sig := strings.TrimPrefix(Sign(body, testSecret), "sha256=")
		assert.True(t, VerifySignature(body, sig, testSecret))
	})

	t.Run("wrong signature", func(t *testing.T) {
		body := makeTestBody(t)
		assert.False(t, VerifySignature(body, "sha256="+strings.Repeat("0", 64), testSecret))
	})

	t.Run("wrong secret", func(t *testing.T) {
		body := makeTestBody(t)
		assert.False(t, VerifySignature(body, Sign(body, "wrong-secret"), testSecret))
	})

	t.Run("tampered body", func(t *testing.T) {
		body := makeTestBody(t)
		sig := Sign(body, testSecret)
		assert.False(t, VerifySignature(append(body, 'x'), sig, testSecret))
	})

	t.Run("empty inputs", func(t *testing.T) {
		assert.False(t, VerifySignature(nil, "sha256=abc", testSecret))
		assert.False(t, VerifySignature([]byte("body"), "", testSecret))
		assert.False(t, VerifySignature([]byte("body"), "sha256=abc", ""))
		assert.False(t, VerifySignature([]byte("body"), "sha256=", testSecret))
	})
}

// ============================================================================
// ParsePublishRequest
// ============================================================================

func TestParsePublishRequest(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		req, err := ParsePublishRequest(makeTestBody(t))
		require.NoError(t, err)
		assert.Equal(t, "Teacher@Example.com", req.Subject)
		assert.Equal(t, Event{Type: "section.updated", LessonID: "L1", SectionKey: "intro"}, req.Event)
	})

	t.Run("lesson event needs no section key", func(t *testing.T) {
		body := `{"subject":"a@b.c","event":{"type":"lesson.created","lessonId":"L9"}}`
		req, err := ParsePublishRequest([]byte(body))
		require.NoError(t, err)
		assert.Equal(t, "lesson.created", req.Event.Type)
	})

	cases := map[string]string{
		"invalid json":        `{not json`,
		"missing subject":     `{"event":{"type":"lesson.created","lessonId":"L1"}}`,
		"unknown type":        `{"subject":"a@b.c","event":{"type":"lesson.renamed","lessonId":"L1"}}`,
		"missing lesson id":   `{"subject":"a@b.c","event":{"type":"lesson.deleted"}}`,
		"section without key": `{"subject":"a@b.c","event":{"type":"section.updated","lessonId":"L1"}}`,
	}
	for name, body := range cases {
		body := body
		t.Run(name, func(t *testing.T) {
			_, err := ParsePublishRequest([]byte(body))
			assert.Error(t, err)
		})
	}
}

// ============================================================================
// Publisher
// ============================================================================

func TestNewPublisher(t *testing.T) {
	_, err := NewPublisher(New(zerolog.Nop()), "")
	assert.Error(t, err)
}

func TestPublisherHandle(t *testing.T) {
	p, err := NewPublisher(New(zerolog.Nop()), testSecret)
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("bad signature", func(t *testing.T) {
		status, data := p.Handle(ctx, makeTestBody(t), "sha256=bad")
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, map[string]string{"error": "Invalid signature"}, data)
	})

	t.Run("invalid payload", func(t *testing.T) {
		body := []byte(`{"subject":""}`)
		status, _ := p.Handle(ctx, body, Sign(body, testSecret))
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("accepted with no listeners", func(t *testing.T) {
		body := makeTestBody(t)
		status, data := p.Handle(ctx, body, Sign(body, testSecret))
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, PublishResult{OK: true, Sent: 0}, data)
	})
}
