package hub

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
)

// SignatureHeader carries the HMAC of a publish request body.
const SignatureHeader = "X-Teachnlearn-Signature"

// PublishRequest asks the hub to notify one subject.
type PublishRequest struct {
	Subject string `json:"subject" validate:"required"`
	Event   Event  `json:"event"`
}

// PublishResult is the reply to an accepted publish request.
type PublishResult struct {
	OK   bool `json:"ok"`
	Sent int  `json:"sent"`
}

// ============================================================================
// Standalone Functions
// ============================================================================

// Sign returns the signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an HMAC-SHA256 signature in constant time. The
// "sha256=" prefix is optional.
func VerifySignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := strings.TrimPrefix(Sign(body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

var validate = validator.New()

// ParsePublishRequest decodes and validates a publish body.
func ParsePublishRequest(body []byte) (*PublishRequest, error) {
	var req PublishRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON in publish body: %w", err)
	}
	if err := validate.Struct(&req); err != nil {
		return nil, fmt.Errorf("invalid publish request: %w", err)
	}
	if strings.HasPrefix(req.Event.Type, "section.") && req.Event.SectionKey == "" {
		return nil, errors.New("invalid publish request: section events need a sectionKey")
	}
	return &req, nil
}

// ============================================================================
// Publisher
// ============================================================================

// Publisher verifies, parses and forwards signed publish requests.
type Publisher struct {
	hub    *Hub
	secret string
}

func NewPublisher(h *Hub, secret string) (*Publisher, error) {
	if secret == "" {
		return nil, errors.New("publish secret is required")
	}
	return &Publisher{hub: h, secret: secret}, nil
}

// Handle processes one publish request and returns the status code and
// response body for the caller to write.
func (p *Publisher) Handle(ctx context.Context, body []byte, signature string) (int, any) {
	if !VerifySignature(body, signature, p.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	req, err := ParsePublishRequest(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	sent := p.hub.Publish(ctx, normalizeSubject(req.Subject), req.Event)
	return http.StatusOK, PublishResult{OK: true, Sent: sent}
}
