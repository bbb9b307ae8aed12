// Package auth verifies bearer tokens and carries the caller's identity.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
)

var ErrInvalidToken = errors.New("invalid or missing bearer token")

// Verifier maps a bearer token to the principal it belongs to.
type Verifier interface {
	Verify(ctx context.Context, token string) (principal string, err error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, token string) (string, error)

func (f VerifierFunc) Verify(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}

// StaticVerifier accepts a fixed set of tokens.
type StaticVerifier struct {
	tokens map[string]string
}

// NewStatic returns a verifier for tokens, keyed by token with the principal
// as value. Empty tokens are ignored.
func NewStatic(tokens map[string]string) *StaticVerifier {
	v := &StaticVerifier{tokens: make(map[string]string, len(tokens))}
	for tok, principal := range tokens {
		if tok != "" {
			v.tokens[tok] = principal
		}
	}
	return v
}

// NewSingle accepts one token that identifies principal.
func NewSingle(token, principal string) *StaticVerifier {
	return NewStatic(map[string]string{token: principal})
}

func (v *StaticVerifier) Verify(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	// Every entry is compared so timing does not reveal which one matched.
	var (
		principal string
		found     int
	)
	for tok, p := range v.tokens {
		if subtle.ConstantTimeCompare([]byte(tok), []byte(token)) == 1 {
			principal = p
			found = 1
		}
	}
	if found == 0 {
		return "", ErrInvalidToken
	}
	return principal, nil
}

type principalKey struct{}

// WithPrincipal stores the authenticated caller in ctx.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// Principal returns the caller stored by WithPrincipal.
func Principal(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(principalKey{}).(string)
	return p, ok
}
