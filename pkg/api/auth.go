package api

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/tether/pkg/types"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"
)

const (
	tokenIssuer = "tether"
	claimTenant = "tenant"
	claimRunner = "runner"
)

// Claims identify the caller of an API request. RunnerID is set for runner
// tokens and zero for operator tokens.
type Claims struct {
	Subject  string
	TenantID uuid.UUID
	RunnerID uuid.UUID
}

// IsRunner reports whether the caller is a runner
func (c *Claims) IsRunner() bool {
	return c.RunnerID != uuid.Nil
}

// Runner returns the runner identity of a runner token
func (c *Claims) Runner() types.RunnerIdentity {
	return types.RunnerIdentity{TenantID: c.TenantID, RunnerID: c.RunnerID}
}

// TokenIssuer signs HS256 API tokens
type TokenIssuer struct {
	secret []byte
	now    func() time.Time
}

// NewTokenIssuer creates an issuer for secret
func NewTokenIssuer(secret string) (*TokenIssuer, error) {
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 bytes")
	}
	return &TokenIssuer{secret: []byte(secret), now: time.Now}, nil
}

// IssueRunnerToken signs a token for runner. A zero ttl never expires.
func (i *TokenIssuer) IssueRunnerToken(runner types.RunnerIdentity, ttl time.Duration) (string, error) {
	return i.issue(Claims{
		Subject:  "runner:" + runner.RunnerID.String(),
		TenantID: runner.TenantID,
		RunnerID: runner.RunnerID,
	}, ttl)
}

// IssueOperatorToken signs a token scoped to tenant
func (i *TokenIssuer) IssueOperatorToken(tenant uuid.UUID, subject string, ttl time.Duration) (string, error) {
	return i.issue(Claims{Subject: subject, TenantID: tenant}, ttl)
}

func (i *TokenIssuer) issue(claims Claims, ttl time.Duration) (string, error) {
	now := i.now()
	builder := jwt.NewBuilder().
		Issuer(tokenIssuer).
		Subject(claims.Subject).
		IssuedAt(now).
		Claim(claimTenant, claims.TenantID.String())
	if claims.RunnerID != uuid.Nil {
		builder = builder.Claim(claimRunner, claims.RunnerID.String())
	}
	if ttl > 0 {
		builder = builder.Expiration(now.Add(ttl))
	}

	token, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256(), i.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), nil
}

// Authenticator verifies tokens signed by a TokenIssuer with the same secret
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator for secret
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Verify parses and validates a raw token
func (a *Authenticator) Verify(raw string) (*Claims, error) {
	token, err := jwt.Parse([]byte(raw), jwt.WithKey(jwa.HS256(), a.secret), jwt.WithValidate(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrUnauthorized, err)
	}

	if iss, ok := token.Issuer(); !ok || iss != tokenIssuer {
		return nil, fmt.Errorf("%w: unexpected issuer", types.ErrUnauthorized)
	}
	subject, ok := token.Subject()
	if !ok || subject == "" {
		return nil, fmt.Errorf("%w: token missing subject", types.ErrUnauthorized)
	}

	claims := &Claims{Subject: subject}

	var tenant string
	if err := token.Get(claimTenant, &tenant); err != nil {
		return nil, fmt.Errorf("%w: token missing tenant", types.ErrUnauthorized)
	}
	if claims.TenantID, err = uuid.Parse(tenant); err != nil {
		return nil, fmt.Errorf("%w: invalid tenant claim", types.ErrUnauthorized)
	}

	var runner string
	if err := token.Get(claimRunner, &runner); err == nil {
		if claims.RunnerID, err = uuid.Parse(runner); err != nil {
			return nil, fmt.Errorf("%w: invalid runner claim", types.ErrUnauthorized)
		}
	}

	return claims, nil
}

// BearerToken extracts the token from an Authorization header value
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
