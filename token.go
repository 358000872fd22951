package teachnlearn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ErrNoToken is returned by token providers that have nothing to hand out.
var ErrNoToken = errors.New("no token available")

// TokenProvider returns a bearer token for the given audience. It may block
// while re-authenticating and may fail; a failure is treated like any other
// connection failure.
type TokenProvider func(ctx context.Context, audience string) (string, error)

// StaticToken returns a provider that always hands out the same token.
func StaticToken(token string) TokenProvider {
	return func(ctx context.Context, _ string) (string, error) {
		if token == "" {
			return "", ErrNoToken
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return token, nil
	}
}

// TokenExpiry reads the exp claim of a JWT without verifying its signature.
// Verification is the server's job; the client only needs to know when to
// ask for a new token.
func TokenExpiry(token string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// ============================================================================
// Caching provider
// ============================================================================

const DefaultTokenLeeway = 30 * time.Second

type cachedToken struct {
	token   string
	expires time.Time
}

// CachingTokenProvider wraps a fetcher and reuses each audience's token
// until shortly before it expires. Tokens without an exp claim are never
// cached.
type CachingTokenProvider struct {
	fetch  TokenProvider
	leeway time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedToken
}

// NewCachingTokenProvider creates a caching provider. A leeway of zero uses
// DefaultTokenLeeway.
func NewCachingTokenProvider(fetch TokenProvider, leeway time.Duration) *CachingTokenProvider {
	if leeway <= 0 {
		leeway = DefaultTokenLeeway
	}
	return &CachingTokenProvider{
		fetch:  fetch,
		leeway: leeway,
		now:    time.Now,
		cache:  make(map[string]cachedToken),
	}
}

// Token implements TokenProvider.
func (p *CachingTokenProvider) Token(ctx context.Context, audience string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.cache[audience]; ok && p.now().Add(p.leeway).Before(c.expires) {
		return c.token, nil
	}
	delete(p.cache, audience)

	token, err := p.fetch(ctx, audience)
	if err != nil {
		return "", err
	}
	if exp, ok := TokenExpiry(token); ok {
		p.cache[audience] = cachedToken{token: token, expires: exp}
	}
	return token, nil
}

// Invalidate drops the cached token of an audience, e.g. after the server
// rejected it.
func (p *CachingTokenProvider) Invalidate(audience string) {
	p.mu.Lock()
	delete(p.cache, audience)
	p.mu.Unlock()
}

// Provider returns p as a TokenProvider.
func (p *CachingTokenProvider) Provider() TokenProvider {
	return p.Token
}
