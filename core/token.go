package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMalformedToken is returned when a token is not three non-empty dot-separated parts.
	ErrMalformedToken = errors.New("malformed token")
	// ErrSignatureMismatch is returned when the HMAC over header.payload does not match.
	ErrSignatureMismatch = errors.New("token signature mismatch")
	// ErrMalformedPayload is returned when a correctly signed payload cannot be decoded.
	ErrMalformedPayload = errors.New("malformed token payload")
	// ErrTokenExpired is returned when the exp claim is in the past.
	ErrTokenExpired = errors.New("token expired")
)

// TokenClaims is the payload of a dashboard session token.
type TokenClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// tokenVerifier checks signatures with verifySignature, which for HS256
// compares with hmac.Equal inside the jwt library.
type tokenVerifier struct {
	verifySignature func(signingString string, sig []byte, key interface{}) error
}

var hs256Verifier = tokenVerifier{verifySignature: jwt.SigningMethodHS256.Verify}

// Strict decoding rejects non-canonical trailing bits in the signature segment.
var segmentDecoder = jwt.NewParser(jwt.WithStrictDecoding())

// EncodeToken signs claims as header.payload.signature, stamping iat=now and exp=now+ttl.
func EncodeToken(claims TokenClaims, secret []byte, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("token secret is empty")
	}
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken checks structure, then signature, then payload, then expiry.
func VerifyToken(token string, secret []byte, now time.Time) (*TokenClaims, error) {
	return hs256Verifier.verify(token, secret, now)
}

func (v tokenVerifier) verify(token string, secret []byte, now time.Time) (*TokenClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, ErrMalformedToken
	}

	sig, err := segmentDecoder.DecodeSegment(parts[2])
	if err != nil {
		return nil, ErrSignatureMismatch
	}
	if err := v.verifySignature(parts[0]+"."+parts[1], sig, secret); err != nil {
		return nil, ErrSignatureMismatch
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	var claims TokenClaims
	_, err = parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	default:
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrMalformedPayload)
	}
	return &claims, nil
}

// PeekTokenClaims decodes the payload WITHOUT checking the signature.
// The result is untrusted and may only steer which directory namespace
// is consulted; VerifyToken supplies the authoritative claims.
func PeekTokenClaims(token string) (*TokenClaims, error) {
	var claims TokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return &claims, nil
}
