package teachnlearn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelURL(t *testing.T) {
	tests := []struct {
		name   string
		base   string
		stream Stream
		scope  string
		want   string
	}{
		{"https to wss", "https://api.example.com", LessonsStream, "", "wss://api.example.com/ws/lessons?token=tok"},
		{"http to ws", "http://localhost:8000", LessonsStream, "", "ws://localhost:8000/ws/lessons?token=tok"},
		{"trailing slashes", "https://api.example.com///", LessonsStream, "", "wss://api.example.com/ws/lessons?token=tok"},
		{"base path kept", "https://example.com/api/", LessonsStream, "", "wss://example.com/api/ws/lessons?token=tok"},
		{"ws verbatim", "wss://push.example.com", LessonsStream, "", "wss://push.example.com/ws/lessons?token=tok"},
		{"scoped stream", "https://api.example.com", SectionsStream, "L1", "wss://api.example.com/ws/lessons?lessonId=L1&token=tok"},
		{"scope ignored on unscoped stream", "https://api.example.com", LessonsStream, "L1", "wss://api.example.com/ws/lessons?token=tok"},
		{"existing query kept", "https://api.example.com?region=au", LessonsStream, "", "wss://api.example.com/ws/lessons?region=au&token=tok"},
		{"fragment dropped", "https://api.example.com#x", LessonsStream, "", "wss://api.example.com/ws/lessons?token=tok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ChannelURL(tt.base, "tok", tt.stream, tt.scope)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChannelURLEscapesToken(t *testing.T) {
	got, err := ChannelURL("https://api.example.com", "a+b/c=", LessonsStream, "")
	require.NoError(t, err)
	assert.Equal(t, "wss://api.example.com/ws/lessons?token=a%2Bb%2Fc%3D", got)
}

func TestChannelURLInvalid(t *testing.T) {
	for _, base := range []string{"", "   ", "ftp://example.com", "example.com", "https://", "http://[::1"} {
		t.Run(base, func(t *testing.T) {
			_, err := ChannelURL(base, "tok", LessonsStream, "")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidBaseURL))
		})
	}
}

func TestChannelIdentity(t *testing.T) {
	a := ChannelIdentity{BaseURL: "https://x", Audience: "aud", Scope: "L1"}
	b := a
	assert.Equal(t, a, b)

	b.Scope = "L2"
	assert.NotEqual(t, a, b)
	assert.Equal(t, "https://x#L1", a.String())
	assert.Equal(t, "https://x", ChannelIdentity{BaseURL: "https://x"}.String())
}
