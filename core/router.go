package core

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterDeps bundles what the HTTP layer talks to.
type RouterDeps struct {
	Sessions  *sessions.CookieStore
	Auth      *SessionAuthenticator
	Accounts  AuthService
	Users     UserRepository
	Schedules ScheduleStore
	Portal    PortalFactory
	Train     TrainClient
	// Health lists the dependencies pinged by the admin status endpoint.
	Health map[string]Pinger
}

// NewRouter constructs the Gin engine with routes wired.
func NewRouter(cfg Config, deps RouterDeps) *gin.Engine {
	startedAt := time.Now()
	r := gin.Default()

	// Global middleware: request id -> origin/CORS -> CSRF
	r.Use(RequestIDMiddleware())
	r.Use(OriginRefererMiddleware(cfg))
	r.Use(CSRFMiddleware(cfg, deps.Sessions))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	syncer := NewScheduleSyncer(deps.Schedules, cfg.FanoutLimit)
	requireSession := RequireSession(deps.Auth)

	api := r.Group("/api")
	{
		api.POST("/auth/register", func(c *gin.Context) {
			var req struct {
				Username      string `json:"username"`
				Password      string `json:"password"`
				XcrewPassword string `json:"xcrewPassword"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json")
				return
			}
			req.Username = strings.TrimSpace(req.Username)
			if req.Username == "" || req.Password == "" {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "username and password are required")
				return
			}
			if req.XcrewPassword == "" {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "xcrew password is required for verification")
				return
			}

			ctx := c.Request.Context()
			if err := deps.Portal(req.Username, req.XcrewPassword).Authenticate(ctx); err != nil {
				log.Printf("register: portal verification failed user=%s request_id=%s: %v", req.Username, requestID(c), err)
				respondPortalError(c, err)
				return
			}

			hash, err := HashPassword(req.Password)
			if err != nil {
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to hash password")
				return
			}
			if _, err := deps.Users.Create(ctx, req.Username, hash, string(RoleUser)); err != nil {
				if errors.Is(err, ErrUserExists) {
					respondError(c, http.StatusConflict, "CONFLICT", "username already exists")
					return
				}
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to create user")
				return
			}
			log.Printf("register: user=%s created", req.Username)
			c.JSON(http.StatusCreated, gin.H{"success": true})
		})

		api.POST("/auth/login", loginHandler(cfg, deps, RoleUser))
		api.POST("/auth/logout", logoutHandler(cfg, deps, RoleUser))

		api.GET("/users/me", requireSession, func(c *gin.Context) {
			p, _ := principalFrom(c)
			u, err := deps.Users.FindByUsername(c.Request.Context(), p.Username)
			if err != nil {
				respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "account no longer exists")
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"username":   u.Username,
				"role":       p.Role,
				"created_at": u.CreatedAt,
			})
		})

		xcrew := api.Group("/xcrew", requireSession)

		xcrew.GET("/schedule", func(c *gin.Context) {
			username, date, ok := cachedReadTarget(c)
			if !ok {
				return
			}
			schedule, err := syncer.Cached(c.Request.Context(), username, date)
			if err != nil {
				log.Printf("xcrew: cached schedule user=%s date=%s: %v", username, date, err)
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to load schedule")
				return
			}
			c.JSON(http.StatusOK, gin.H{"success": true, "data": schedule})
		})

		xcrew.POST("/schedule", func(c *gin.Context) {
			var req struct {
				XcrewPassword string `json:"xcrewPassword"`
				Date          string `json:"date"`
				EmpName       string `json:"empName"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json")
				return
			}
			p, ok := crewPrincipal(c)
			if !ok {
				return
			}
			if req.XcrewPassword == "" || !validDate(req.Date) || strings.TrimSpace(req.EmpName) == "" {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "xcrewPassword, date (YYYYMMDD) and empName are required")
				return
			}

			portal := deps.Portal(p.Username, req.XcrewPassword)
			schedule, err := syncer.Sync(c.Request.Context(), portal, p.Username, req.Date, req.EmpName)
			if err != nil {
				log.Printf("xcrew: schedule sync user=%s date=%s request_id=%s: %v", p.Username, req.Date, requestID(c), err)
				respondPortalError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"success": true, "data": schedule})
		})

		xcrew.GET("/dia", func(c *gin.Context) {
			username, date, ok := cachedReadTarget(c)
			if !ok {
				return
			}
			dia, err := deps.Schedules.LoadDia(c.Request.Context(), username, date)
			if err != nil {
				log.Printf("xcrew: cached dia user=%s date=%s: %v", username, date, err)
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to load dia")
				return
			}
			c.JSON(http.StatusOK, gin.H{"success": true, "data": dia})
		})

		xcrew.POST("/dia", func(c *gin.Context) {
			var req struct {
				XcrewPassword string `json:"xcrewPassword"`
				Date          string `json:"date"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json")
				return
			}
			p, ok := crewPrincipal(c)
			if !ok {
				return
			}
			if req.XcrewPassword == "" || !validDate(req.Date) {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "xcrewPassword and date (YYYYMMDD) are required")
				return
			}

			ctx := c.Request.Context()
			dia, err := deps.Portal(p.Username, req.XcrewPassword).GetDiaInfo(ctx, req.Date, "")
			if err != nil {
				log.Printf("xcrew: dia fetch user=%s date=%s request_id=%s: %v", p.Username, req.Date, requestID(c), err)
				respondPortalError(c, err)
				return
			}
			if dia != nil {
				if err := deps.Schedules.SaveDia(ctx, p.Username, req.Date, dia); err != nil {
					respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to store dia")
					return
				}
			}
			c.JSON(http.StatusOK, gin.H{"success": true, "data": dia})
		})

		api.POST("/train", requireSession, func(c *gin.Context) {
			var req struct {
				TrainNo   string `json:"trainNo"`
				DriveDate string `json:"driveDate"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json")
				return
			}
			if strings.TrimSpace(req.TrainNo) == "" || req.DriveDate == "" {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "trainNo and driveDate are required")
				return
			}
			result, err := deps.Train.Lookup(c.Request.Context(), req.TrainNo, req.DriveDate)
			if err != nil {
				log.Printf("train: lookup train=%s date=%s request_id=%s: %v", req.TrainNo, req.DriveDate, requestID(c), err)
				c.JSON(http.StatusOK, &TrainLookup{Found: false, Message: err.Error()})
				return
			}
			c.JSON(http.StatusOK, result)
		})

		api.POST("/admin/auth/login", loginHandler(cfg, deps, RoleAdmin))
		api.POST("/admin/auth/logout", logoutHandler(cfg, deps, RoleAdmin))

		admin := api.Group("/admin", requireSession, AdminOnly())

		admin.GET("/system/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, CollectSystemStatus(c.Request.Context(), deps.Health, startedAt))
		})

		admin.GET("/users", func(c *gin.Context) {
			page, perPage, err := parsePagination(c.Query("page"), c.Query("per_page"))
			if err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
				return
			}
			items, total, err := deps.Users.List(c.Request.Context(), page, perPage)
			if err != nil {
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to fetch users")
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"items":       items,
				"page":        page,
				"per_page":    perPage,
				"total_items": total,
				"total_pages": calcTotalPages(total, perPage),
			})
		})

		admin.DELETE("/users/:userid", func(c *gin.Context) {
			target := c.Param("userid")
			p, _ := principalFrom(c)
			if target == p.Username {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "cannot delete the signed-in admin")
				return
			}
			ctx := c.Request.Context()
			if err := deps.Users.Delete(ctx, target); err != nil {
				if errors.Is(err, ErrUserNotFound) {
					respondError(c, http.StatusNotFound, "NOT_FOUND", "user not found")
					return
				}
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to delete user")
				return
			}
			// The account is gone; leftover sessions and mirrored data must go too.
			if err := deps.Auth.Revoke(ctx, target, RoleUser); err != nil {
				log.Printf("admin: revoke session user=%s: %v", target, err)
			}
			if err := deps.Schedules.DeleteUserData(ctx, target); err != nil {
				log.Printf("admin: delete data user=%s: %v", target, err)
			}
			log.Printf("admin: user=%s deleted by %s", target, p.Username)
			c.Status(http.StatusNoContent)
		})
	}

	return r
}

// loginHandler checks the dashboard password, requires the account's role to
// match role, and installs a fresh session that supersedes any earlier one.
func loginHandler(cfg Config, deps RouterDeps, role Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json")
			return
		}
		if strings.TrimSpace(req.Username) == "" || req.Password == "" {
			respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "username and password are required")
			return
		}

		ctx := c.Request.Context()
		user, err := deps.Accounts.Authenticate(ctx, req.Username, req.Password)
		if err != nil || user.Role != role {
			log.Printf("login: rejected user=%s role=%s", req.Username, role)
			respondError(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid username or password")
			return
		}

		token, err := deps.Auth.Issue(ctx, user.Username, role)
		if err != nil {
			log.Printf("login: issue session user=%s: %v", user.Username, err)
			respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to create session")
			return
		}
		expiresAt := time.Now().Add(deps.Auth.TTL())
		SetSessionCookie(c.Writer, cfg, role, token, expiresAt)

		c.JSON(http.StatusOK, gin.H{
			"success":    true,
			"user":       gin.H{"username": user.Username, "role": role},
			"token":      token,
			"expires_at": expiresAt.UTC(),
		})
	}
}

// logoutHandler revokes the caller's session when one is presented and
// always clears the role's cookie.
func logoutHandler(cfg Config, deps RouterDeps, role Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if p, ok := deps.Auth.Verify(c.Request); ok && p.Role == role {
			if err := deps.Auth.Revoke(c.Request.Context(), p.Username, role); err != nil {
				log.Printf("logout: revoke user=%s: %v", p.Username, err)
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to end session")
				return
			}
		}
		ClearSessionCookie(c.Writer, cfg, role)
		c.Status(http.StatusNoContent)
	}
}

// cachedReadTarget resolves whose cached data a GET reads: the caller's own,
// or for admins the optional username query parameter.
func cachedReadTarget(c *gin.Context) (string, string, bool) {
	p, _ := principalFrom(c)
	date := c.Query("date")
	if !validDate(date) {
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "date must be YYYYMMDD")
		return "", "", false
	}
	username := p.Username
	if other := strings.TrimSpace(c.Query("username")); other != "" && other != p.Username {
		if !p.IsAdmin() {
			respondError(c, http.StatusForbidden, "FORBIDDEN", "cannot read another user's data")
			return "", "", false
		}
		username = other
	}
	return username, date, true
}

// crewPrincipal returns the caller when it is a crew member; live portal
// fetches run under the caller's own employee id.
func crewPrincipal(c *gin.Context) (Principal, bool) {
	p, _ := principalFrom(c)
	if p.IsAdmin() {
		respondError(c, http.StatusForbidden, "FORBIDDEN", "live portal fetches require a crew session")
		return Principal{}, false
	}
	return p, true
}
