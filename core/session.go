package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

const (
	// UserCookieName carries a user session token.
	UserCookieName = "auth_token"
	// AdminCookieName carries an admin session token and wins over UserCookieName.
	AdminCookieName = "admin_token"
)

var errSessionRevoked = errors.New("session revoked or superseded")

// Principal is an authenticated identity.
type Principal struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// IsAdmin reports whether the principal holds the admin role.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// SessionAuthenticator issues signed session tokens and verifies inbound
// requests against the SessionDirectory. Only the directory's latest token
// per principal and role is accepted.
type SessionAuthenticator struct {
	secret []byte
	ttl    time.Duration
	dir    SessionDirectory
	now    func() time.Time
}

// NewSessionAuthenticator fails when secret is empty; there is no default key.
func NewSessionAuthenticator(secret []byte, ttl time.Duration, dir SessionDirectory) (*SessionAuthenticator, error) {
	if len(secret) == 0 {
		return nil, errors.New("session secret must be configured")
	}
	if dir == nil {
		return nil, errors.New("session directory is required")
	}
	if ttl <= 0 {
		return nil, errors.New("token ttl must be positive")
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &SessionAuthenticator{secret: key, ttl: ttl, dir: dir, now: time.Now}, nil
}

// TTL is the horizon stamped into issued tokens.
func (a *SessionAuthenticator) TTL() time.Duration { return a.ttl }

// Issue creates a token for principal and makes it the only valid one for that role.
func (a *SessionAuthenticator) Issue(ctx context.Context, principal string, role Role) (string, error) {
	if strings.TrimSpace(principal) == "" {
		return "", errors.New("principal is empty")
	}
	claims := TokenClaims{Role: string(role)}
	claims.Subject = principal
	token, err := EncodeToken(claims, a.secret, a.ttl, a.now())
	if err != nil {
		return "", err
	}
	if err := a.dir.Put(ctx, SessionKey(role, principal), token); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	return token, nil
}

// Revoke drops the principal's session for role. Revoking twice is fine.
func (a *SessionAuthenticator) Revoke(ctx context.Context, principal string, role Role) error {
	if err := a.dir.Delete(ctx, SessionKey(role, principal)); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// tokenCandidate is a token pulled from a request before any trust decision.
type tokenCandidate struct {
	token    string
	source   string
	roleHint Role
}

// Verify returns the request's principal, or ok=false for every failure mode.
// Callers cannot distinguish why a request was rejected.
func (a *SessionAuthenticator) Verify(r *http.Request) (Principal, bool) {
	cand, ok := extractToken(r)
	if !ok {
		sessionVerifications.WithLabelValues("no_token").Inc()
		return Principal{}, false
	}
	p, err := a.verifyCandidate(r.Context(), cand)
	if err != nil {
		outcome := verifyOutcome(err)
		sessionVerifications.WithLabelValues(outcome).Inc()
		if outcome == "directory_error" {
			log.Printf("session verify: directory lookup failed source=%s: %v", cand.source, err)
		}
		return Principal{}, false
	}
	sessionVerifications.WithLabelValues("authorized").Inc()
	return p, true
}

func (a *SessionAuthenticator) verifyCandidate(ctx context.Context, cand tokenCandidate) (Principal, error) {
	claims, err := VerifyToken(cand.token, a.secret, a.now())
	if err != nil {
		return Principal{}, err
	}
	// The verified claim is authoritative over the cookie name or peeked hint.
	role := roleFromClaim(claims.Role)
	if role != cand.roleHint {
		log.Printf("session verify: %s hint role=%s overridden by claim role=%s", cand.source, cand.roleHint, role)
	}
	stored, found, err := a.dir.Get(ctx, SessionKey(role, claims.Subject))
	if err != nil {
		return Principal{}, fmt.Errorf("directory: %w", err)
	}
	if !found || stored != cand.token {
		return Principal{}, errSessionRevoked
	}
	return Principal{Username: claims.Subject, Role: role}, nil
}

// extractToken tries the admin cookie, the user cookie, then a bearer header.
func extractToken(r *http.Request) (tokenCandidate, bool) {
	// A present admin cookie shadows the user cookie even when empty.
	if c, err := r.Cookie(AdminCookieName); err == nil {
		if c.Value != "" {
			return tokenCandidate{token: c.Value, source: "cookie", roleHint: RoleAdmin}, true
		}
	} else if c, err := r.Cookie(UserCookieName); err == nil && c.Value != "" {
		return tokenCandidate{token: c.Value, source: "cookie", roleHint: RoleUser}, true
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return tokenCandidate{}, false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return tokenCandidate{}, false
	}
	// Untrusted peek: only picks a namespace, confirmed after verification.
	peeked, err := PeekTokenClaims(token)
	if err != nil {
		return tokenCandidate{}, false
	}
	return tokenCandidate{token: token, source: "bearer", roleHint: roleFromClaim(peeked.Role)}, true
}

func verifyOutcome(err error) string {
	switch {
	case errors.Is(err, ErrMalformedToken):
		return "malformed"
	case errors.Is(err, ErrSignatureMismatch):
		return "signature"
	case errors.Is(err, ErrMalformedPayload):
		return "payload"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, errSessionRevoked):
		return "revoked"
	default:
		return "directory_error"
	}
}

// CookieNameFor returns the session cookie name used for role.
func CookieNameFor(role Role) string {
	if role == RoleAdmin {
		return AdminCookieName
	}
	return UserCookieName
}

// SetSessionCookie writes the role's session cookie.
func SetSessionCookie(w http.ResponseWriter, cfg Config, role Role, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieNameFor(role),
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   cfg.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

// ClearSessionCookie expires the role's session cookie on the client.
func ClearSessionCookie(w http.ResponseWriter, cfg Config, role Role) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieNameFor(role),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   cfg.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}
