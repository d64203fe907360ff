package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer     = "zeitgate"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// AccessClaims are the signed claims of a short-lived access token.
type AccessClaims struct {
	Email     string `json:"email"`
	Role      Role   `json:"role"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// RefreshClaims are the signed claims of a refresh token. Version is the
// rotation counter the token was issued against.
type RefreshClaims struct {
	Email     string `json:"email"`
	Version   int64  `json:"ver"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// Authority issues and verifies signed credentials and owns the refresh
// rotation rule.
type Authority struct {
	secret   []byte
	accounts AccountStore
	now      func() time.Time

	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// Option configures Authority behavior.
type Option func(*Authority)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(a *Authority) {
		if fn != nil {
			a.now = fn
		}
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(a *Authority) {
		if ttl > 0 {
			a.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(a *Authority) {
		if ttl > 0 {
			a.refreshTTL = ttl
		}
	}
}

// WithIssuer overrides the issuer claim.
func WithIssuer(issuer string) Option {
	return func(a *Authority) {
		if s := strings.TrimSpace(issuer); s != "" {
			a.issuer = s
		}
	}
}

// NewAuthority constructs an Authority signing with the given HS256 secret.
func NewAuthority(secret string, accounts AccountStore, opts ...Option) (*Authority, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	a := &Authority{
		secret:     []byte(secret),
		accounts:   accounts,
		now:        time.Now,
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// IssueAccessToken signs a short-lived bearer credential for the subject.
func (a *Authority) IssueAccessToken(sub Subject) (string, time.Time, error) {
	if strings.TrimSpace(sub.ID) == "" || !sub.Role.Valid() {
		return "", time.Time{}, errors.New("auth: subject id and role are required")
	}
	now := a.now().UTC()
	exp := now.Add(a.accessTTL)
	claims := AccessClaims{
		Email:     sub.Email,
		Role:      sub.Role,
		TokenType: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   sub.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, exp, nil
}

// IssueRefreshToken signs a refresh credential bound to the given rotation
// version.
func (a *Authority) IssueRefreshToken(sub Subject, version int64) (string, time.Time, error) {
	if strings.TrimSpace(sub.ID) == "" {
		return "", time.Time{}, errors.New("auth: subject id is required")
	}
	if version < 1 {
		return "", time.Time{}, errors.New("auth: rotation version must be positive")
	}
	now := a.now().UTC()
	exp := now.Add(a.refreshTTL)
	claims := RefreshClaims{
		Email:     sub.Email,
		Version:   version,
		TokenType: tokenTypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   sub.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign refresh token: %w", err)
	}
	return signed, exp, nil
}

// IssuePair mints an access/refresh pair for the account, binding the
// refresh token to the account's current rotation version.
func (a *Authority) IssuePair(acct *Account) (TokenPair, error) {
	sub := acct.Subject()
	access, accessExp, err := a.IssueAccessToken(sub)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := a.IssueRefreshToken(sub, acct.TokenVersion)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// VerifyAccess validates an access token and returns the subject it names.
func (a *Authority) VerifyAccess(token string) (Subject, error) {
	var claims AccessClaims
	if err := a.parse(token, &claims); err != nil {
		return Subject{}, err
	}
	if claims.TokenType != tokenTypeAccess || !claims.Role.Valid() {
		return Subject{}, ErrInvalidToken
	}
	return Subject{ID: claims.Subject, Email: claims.Email, Role: claims.Role}, nil
}

// VerifyRefresh validates a refresh token and returns its claims.
func (a *Authority) VerifyRefresh(token string) (*RefreshClaims, error) {
	var claims RefreshClaims
	if err := a.parse(token, &claims); err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeRefresh || claims.Version < 1 {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// RedeemRefresh exchanges a refresh token for a new pair. The token's
// rotation version must exactly equal the account's stored counter; any
// mismatch means the token was already redeemed (or superseded) and fails
// with ErrReplayDetected. The counter bump is conditioned on the account's
// current revision, so concurrent redemptions of the same token produce
// exactly one winner.
func (a *Authority) RedeemRefresh(ctx context.Context, token string) (TokenPair, Subject, error) {
	claims, err := a.VerifyRefresh(token)
	if err != nil {
		return TokenPair{}, Subject{}, err
	}
	acct, err := a.accounts.Get(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, Subject{}, ErrInvalidToken
		}
		return TokenPair{}, Subject{}, err
	}
	if claims.Version != acct.TokenVersion {
		return TokenPair{}, Subject{}, ErrReplayDetected
	}

	acct.TokenVersion++
	if err := a.accounts.Update(ctx, acct); err != nil {
		if errors.Is(err, ErrConflict) {
			// A concurrent redemption advanced the counter first.
			return TokenPair{}, Subject{}, ErrReplayDetected
		}
		return TokenPair{}, Subject{}, err
	}

	pair, err := a.IssuePair(acct)
	if err != nil {
		return TokenPair{}, Subject{}, err
	}
	return pair, acct.Subject(), nil
}

func (a *Authority) parse(token string, claims jwt.Claims) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	}, jwt.WithIssuer(a.issuer), jwt.WithTimeFunc(a.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpired
		}
		return ErrInvalidToken
	}
	if !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}
