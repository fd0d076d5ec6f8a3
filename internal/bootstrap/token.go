// Package bootstrap signs in the service account from a short-lived signed
// token, for automated environments that cannot use the login form.
package bootstrap

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	TokenIssuer = "webhome-bootstrap"
	HeaderName  = "X-Bootstrap-Token"
	QueryParam  = "bootstrap_token"

	minSecretLen = 32
	maxTTL       = 24 * time.Hour
)

var ErrBootstrapDenied = errors.New("bootstrap denied")

type Config struct {
	Secret   []byte
	Audience string
	Username string
	Leeway   time.Duration
}

func (c Config) validate() error {
	if len(c.Secret) < minSecretLen {
		return fmt.Errorf("bootstrap secret must be at least %d bytes", minSecretLen)
	}
	if strings.TrimSpace(c.Audience) == "" {
		return errors.New("bootstrap audience is required")
	}
	if strings.TrimSpace(c.Username) == "" {
		return errors.New("bootstrap username is required")
	}
	if c.Leeway < 0 || c.Leeway > 2*time.Minute {
		return errors.New("invalid bootstrap leeway")
	}
	return nil
}

type Issuer struct {
	cfg     Config
	nowFunc func() time.Time
}

func NewIssuer(cfg Config) (*Issuer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Issuer{cfg: cfg, nowFunc: time.Now}, nil
}

// Mint returns an HS256 token for the configured service account valid for ttl.
func (i *Issuer) Mint(ttl time.Duration) (string, error) {
	if ttl <= 0 || ttl > maxTTL {
		return "", fmt.Errorf("bootstrap token ttl must be within (0, %s]", maxTTL)
	}
	now := i.nowFunc()
	claims := jwt.RegisteredClaims{
		Issuer:    TokenIssuer,
		Subject:   i.cfg.Username,
		Audience:  jwt.ClaimStrings{i.cfg.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.Secret)
}

type Verifier struct {
	cfg     Config
	nowFunc func() time.Time
}

func NewVerifier(cfg Config) (*Verifier, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Verifier{cfg: cfg, nowFunc: time.Now}, nil
}

// Verify checks signature, issuer, audience, expiry and subject and returns
// the username the token grants.
func (v *Verifier) Verify(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrBootstrapDenied
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.nowFunc),
	}
	if v.cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(v.cfg.Leeway))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.cfg.Secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBootstrapDenied, err)
	}
	if claims.Subject != v.cfg.Username {
		return "", fmt.Errorf("%w: unexpected subject", ErrBootstrapDenied)
	}
	return claims.Subject, nil
}

// TokenFromRequest reads the bootstrap token from the header, falling back
// to the query string.
func TokenFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(HeaderName)); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get(QueryParam))
}
