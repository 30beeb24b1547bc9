package remote

import (
	"context"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// StreamCredentials are fetched once per stream-open attempt and never
// cached longer than a single connection attempt.
type StreamCredentials struct {
	AuthToken       string
	AppCheckToken   string
	HeartbeatHeader string
}

// TokenProvider supplies the auth token for a stream open. GetToken is
// invoked once per open attempt. InvalidateToken is called automatically
// when a stream fails with an unauthenticated error.
type TokenProvider interface {
	GetToken(ctx context.Context) (string, error)
	InvalidateToken()
}

// HeartbeatProvider optionally supplies the heartbeat header value.
type HeartbeatProvider interface {
	HeartbeatHeader() string
}

// EmptyTokenProvider serves no token, for unauthenticated endpoints.
type EmptyTokenProvider struct{}

func (self *EmptyTokenProvider) GetToken(ctx context.Context) (string, error) {
	return "", nil
}

func (self *EmptyTokenProvider) InvalidateToken() {
}

// StaticTokenProvider serves one fixed token.
type StaticTokenProvider struct {
	token string
}

func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{
		token: token,
	}
}

func (self *StaticTokenProvider) GetToken(ctx context.Context) (string, error) {
	return self.token, nil
}

func (self *StaticTokenProvider) InvalidateToken() {
}

// JwtTokenProvider serves a JWT from a refresh callback and caches it until
// it expires or is invalidated. The expiry is read from the token's own
// claims, unverified: the backend is the verifier, the client only needs to
// know when to stop presenting a stale token.
type JwtTokenProvider struct {
	refresh func(ctx context.Context) (string, error)
	// refresh this long before the claimed expiry
	expiryMargin time.Duration

	stateLock sync.Mutex
	token     string
	expiresAt time.Time
}

func NewJwtTokenProvider(refresh func(ctx context.Context) (string, error)) *JwtTokenProvider {
	return &JwtTokenProvider{
		refresh:      refresh,
		expiryMargin: 30 * time.Second,
	}
}

func (self *JwtTokenProvider) GetToken(ctx context.Context) (string, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.token != "" && (self.expiresAt.IsZero() || time.Now().Add(self.expiryMargin).Before(self.expiresAt)) {
		return self.token, nil
	}

	token, err := self.refresh(ctx)
	if err != nil {
		return "", NewStatusError(CodeUnauthenticated, "token refresh failed: %s", err)
	}
	self.token = token
	self.expiresAt = time.Time{}

	parser := gojwt.NewParser()
	claims := gojwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err == nil {
		if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
			self.expiresAt = expiresAt.Time
		}
	}
	return self.token, nil
}

func (self *JwtTokenProvider) InvalidateToken() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.token = ""
	self.expiresAt = time.Time{}
}
