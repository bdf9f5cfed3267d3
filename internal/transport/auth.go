package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenExpired is returned when the bearer token is past its expiry.
var ErrTokenExpired = errors.New("transport: bearer token expired")

// TokenSource supplies the bearer token presented when dialing.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token. An empty token dials anonymously.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// EnvToken reads the bearer token from an environment variable on every
// dial, so a rotated token is picked up on reconnect.
type EnvToken string

// Token implements TokenSource.
func (e EnvToken) Token(context.Context) (string, error) {
	if e == "" {
		return "", nil
	}
	return strings.TrimSpace(os.Getenv(string(e))), nil
}

// CheckExpiry rejects a JWT whose exp claim lies more than leeway in the
// past. The signature is not verified; that is the server's job. Tokens that
// are not JWTs, or carry no exp claim, pass.
func CheckExpiry(token string, now time.Time, leeway time.Duration) error {
	if token == "" || strings.Count(token, ".") != 2 {
		return nil
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("transport: parse bearer token: %w", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("transport: bearer token exp claim: %w", err)
	}
	if exp == nil {
		return nil
	}
	if now.After(exp.Time.Add(leeway)) {
		return fmt.Errorf("%w at %s", ErrTokenExpired, exp.Time.UTC().Format(time.RFC3339))
	}
	return nil
}
