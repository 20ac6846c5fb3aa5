package core

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"
)

const (
	csrfSessionName = "xcrew_csrf"
	csrfSessionKey  = "csrf_token"
	csrfHeader      = "X-CSRF-Token"
	csrfMaxAge      = 18000 // 5h
)

const principalKey = "principal"

// requestOrigin returns the Origin header, or the scheme and host of the
// Referer when a browser omitted Origin.
func requestOrigin(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		return origin
	}
	if ref := r.Header.Get("Referer"); ref != "" {
		if u, err := url.Parse(ref); err == nil && u.Host != "" {
			return u.Scheme + "://" + u.Host
		}
	}
	return ""
}

// OriginRefererMiddleware rejects cross-origin calls from origins outside
// cfg.AllowedOrigins and answers CORS preflights for the allowed ones.
// Requests carrying neither Origin nor Referer pass.
func OriginRefererMiddleware(cfg Config) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[strings.ToLower(o)] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := requestOrigin(c.Request)
		if origin == "" {
			c.Next()
			return
		}
		if _, ok := allowed[strings.ToLower(origin)]; !ok {
			respondError(c, http.StatusForbidden, "FORBIDDEN", "origin not allowed")
			c.Abort()
			return
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Vary", "Origin")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, "+csrfHeader+", "+requestIDHeader)
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Expose-Headers", csrfHeader)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// CSRFMiddleware guards cookie-authenticated mutations with a double-submit
// token kept in a signed gorilla cookie. The cookie is written only when a
// token is first issued. Bearer calls bypass it entirely.
func CSRFMiddleware(cfg Config, store *sessions.CookieStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		if hasBearer(c.Request) {
			c.Next()
			return
		}

		// A cookie signed with a rotated key decodes to a fresh session.
		session, _ := store.Get(c.Request, csrfSessionName)
		token, _ := session.Values[csrfSessionKey].(string)
		if token == "" {
			var err error
			if token, err = generateCSRFToken(); err != nil {
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to issue csrf token")
				c.Abort()
				return
			}
			session.Values[csrfSessionKey] = token
			applySessionOptions(cfg, session)
			if err := session.Save(c.Request, c.Writer); err != nil {
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to persist session")
				c.Abort()
				return
			}
		}

		if !isSafeMethod(c.Request.Method) && !csrfExemptPath(c.Request.URL.Path) {
			sent := c.GetHeader(csrfHeader)
			if sent == "" || subtle.ConstantTimeCompare([]byte(sent), []byte(token)) != 1 {
				respondError(c, http.StatusForbidden, "FORBIDDEN", "invalid csrf token")
				c.Abort()
				return
			}
		}

		c.Header(csrfHeader, token)
		c.Next()
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// Login and registration run before any dashboard cookie exists.
func csrfExemptPath(path string) bool {
	switch path {
	case "/api/auth/login", "/api/auth/register", "/api/admin/auth/login":
		return true
	default:
		return false
	}
}

func hasBearer(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ")
}

// RequireSession rejects requests without a valid dashboard session and
// stores the Principal in the context.
func RequireSession(auth *SessionAuthenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := auth.Verify(c.Request)
		if !ok {
			respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
			c.Abort()
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// principalFrom returns the Principal stored by RequireSession.
func principalFrom(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

func generateCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func applySessionOptions(cfg Config, session *sessions.Session) {
	if session.Options == nil {
		session.Options = &sessions.Options{}
	}
	session.Options.Path = "/"
	session.Options.MaxAge = csrfMaxAge
	session.Options.HttpOnly = true
	session.Options.Secure = cfg.CookieSecure
	session.Options.SameSite = sameSiteFromString(cfg.CookieSameSite)
}

func sameSiteFromString(v string) http.SameSite {
	switch strings.ToLower(v) {
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteStrictMode
	}
}
