package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testKeyID = "test-key-1"

// tokenIssuer signs RS256 tokens for the sync client and verifies them on
// the server side of the websocket handshake.
type tokenIssuer struct {
	privateKey *rsa.PrivateKey
	issuer     string
	audience   string
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	return &tokenIssuer{
		privateKey: key,
		issuer:     "https://auth.test.wfsync.dev",
		audience:   "wfsync-test",
	}
}

// GenerateToken creates a token for subject that is valid for ttl. A
// negative ttl yields an already expired token.
func (ti *tokenIssuer) GenerateToken(subject string, ttl time.Duration) string {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": ti.issuer,
		"aud": ti.audience,
		"sub": subject,
		"iat": jwt.NewNumericDate(now.Add(-time.Minute)),
		"exp": jwt.NewNumericDate(now.Add(ttl)),
	})
	token.Header["kid"] = testKeyID

	signed, err := token.SignedString(ti.privateKey)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

// Verify checks signature, issuer, audience and expiry and returns the
// subject.
func (ti *tokenIssuer) Verify(raw string) (string, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if kid, _ := t.Header["kid"].(string); kid != testKeyID {
			return nil, fmt.Errorf("unknown key id %q", kid)
		}
		return &ti.privateKey.PublicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(ti.issuer),
		jwt.WithAudience(ti.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", err
	}
	return token.Claims.GetSubject()
}
