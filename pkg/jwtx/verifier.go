package jwtx

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformed   = errors.New("jwtx: malformed token")
	ErrUnknownKID  = errors.New("jwtx: unknown kid")
	ErrInvalidSig  = errors.New("jwtx: invalid signature")
	ErrIssuer      = errors.New("jwtx: issuer mismatch")
	ErrTokenType   = errors.New("jwtx: unexpected token type")
	ErrExpired     = errors.New("jwtx: token expired")
	ErrNotYetValid = errors.New("jwtx: token not yet valid")
)

// Verifier validates a JWT and returns its claims.
type Verifier interface {
	Verify(token string) (Claims, error)
}

// VerifyOptions captures what a verifier enforces beyond the signature.
type VerifyOptions struct {
	// Issuer the token must carry. Empty means not checked.
	Issuer string

	// Leeway tolerates small clock skew on exp/nbf.
	Leeway time.Duration

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// EdDSAVerifier validates EdDSA JWTs against a KeySet.
type EdDSAVerifier struct {
	keys *KeySet
	opts VerifyOptions
}

// NewVerifierEdDSA creates a verifier using the public keys in keys.
func NewVerifierEdDSA(keys *KeySet, opts VerifyOptions) *EdDSAVerifier {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &EdDSAVerifier{keys: keys, opts: opts}
}

// Verify checks signature, issuer and validity window. The token type is
// left to the caller since the same keys sign access and challenge tokens.
func (v *EdDSAVerifier) Verify(tokenStr string) (Claims, error) {
	// Time claims are validated below with our own clock.
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	var claims Claims
	_, err := parser.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrUnknownKID
		}
		pub, err := v.keys.Get(kid)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKID, kid)
		}
		return pub, nil
	})
	if err != nil {
		return Claims{}, classifyParseError(err)
	}

	if err := claims.ValidateIssuer(v.opts.Issuer); err != nil {
		return Claims{}, err
	}
	if err := claims.ValidateExpiry(v.opts.Clock(), v.opts.Leeway); err != nil {
		return Claims{}, err
	}
	return claims, nil
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, ErrUnknownKID):
		return err
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrInvalidSig
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}
