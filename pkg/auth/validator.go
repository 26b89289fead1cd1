package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/theapemachine/asap-go/pkg/envelope"
)

/*
TokenValidator resolves a bearer token to the agent URN it authenticates.
Implementations that need IO should honour the context; the server runs
them on its worker pool so a slow validator does not stall the accept loop.
*/
type TokenValidator interface {
	Validate(ctx context.Context, token string) (string, error)
}

// ValidatorFunc adapts a plain function to TokenValidator.
type ValidatorFunc func(ctx context.Context, token string) (string, error)

func (f ValidatorFunc) Validate(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// JWTValidator verifies HMAC-signed JWTs whose subject claim carries the
// authenticated agent's URN.
type JWTValidator struct {
	signingKey []byte
}

func NewJWTValidator(signingKey []byte) *JWTValidator {
	return &JWTValidator{signingKey: signingKey}
}

func (v *JWTValidator) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return v.signingKey, nil
}

// Validate parses and verifies the token, returning the agent URN from the
// sub claim.
func (v *JWTValidator) Validate(ctx context.Context, tokenStr string) (string, error) {
	token, err := jwt.Parse(tokenStr, v.keyFunc)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("token expired")
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("token missing subject")
	}
	if err := envelope.ValidateURN(subject); err != nil {
		return "", fmt.Errorf("token subject is not an agent urn: %w", err)
	}
	return subject, nil
}

// IssueToken signs a token for the given agent URN, valid for ttl. Used by
// the CLI and by tests.
func (v *JWTValidator) IssueToken(agentURN string, ttl time.Duration) (string, error) {
	if err := envelope.ValidateURN(agentURN); err != nil {
		return "", err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": agentURN,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	})
	return token.SignedString(v.signingKey)
}
