package core

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// memoryUserRepo is an in-memory UserRepository for tests.
type memoryUserRepo struct {
	mu    sync.Mutex
	next  int64
	users map[string]*UserRecord
}

func newMemoryUserRepo() *memoryUserRepo {
	return &memoryUserRepo{users: map[string]*UserRecord{}}
}

func (r *memoryUserRepo) FindByUsername(_ context.Context, username string) (*UserRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *memoryUserRepo) Create(_ context.Context, username, passwordHash, role string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[username]; ok {
		return 0, ErrUserExists
	}
	r.next++
	r.users[username] = &UserRecord{ID: r.next, Username: username, PasswordHash: passwordHash, Role: role, CreatedAt: time.Now()}
	return r.next, nil
}

func (r *memoryUserRepo) Delete(_ context.Context, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[username]; !ok {
		return ErrUserNotFound
	}
	delete(r.users, username)
	return nil
}

func (r *memoryUserRepo) HasAdmin(context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Role == string(RoleAdmin) {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryUserRepo) List(_ context.Context, page, perPage int) ([]AdminUserListItem, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]AdminUserListItem, 0, len(r.users))
	for _, u := range r.users {
		items = append(items, AdminUserListItem{ID: u.ID, Username: u.Username, Role: u.Role, CreatedAt: u.CreatedAt})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	start := (page - 1) * perPage
	if start > len(items) {
		start = len(items)
	}
	end := start + perPage
	if end > len(items) {
		end = len(items)
	}
	return items[start:end], len(items), nil
}

type stubTrain struct{}

func (stubTrain) Lookup(_ context.Context, trainNo, _ string) (*TrainLookup, error) {
	if trainNo == "bad" {
		return nil, ErrTrainTokenInvalid
	}
	return &TrainLookup{Found: true, Message: "OK"}, nil
}

type routerFixture struct {
	engine *gin.Engine
	auth   *SessionAuthenticator
	users  *memoryUserRepo
	store  *memoryScheduleStore
	portal *stubPortal
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	cfg := Defaults()
	cfg.JWTSecret = "router-test-secret"
	cfg.SessionKey = "router-test-session-key-32-bytes"
	cfg.CookieSecure = false

	auth, err := NewSessionAuthenticator([]byte(cfg.JWTSecret), time.Hour, NewMemorySessionDirectory())
	require.NoError(t, err)

	f := &routerFixture{
		auth:  auth,
		users: newMemoryUserRepo(),
		store: newMemoryScheduleStore(),
		portal: &stubPortal{
			schedule: []RosterEntry{{"pjtDt": "20250301", "pdiaNo": "101"}},
			dias:     map[string]DiaInfo{"20250301": diaWith(map[string]any{"dptStnNm": "서울"})},
		},
	}
	f.engine = NewRouter(cfg, RouterDeps{
		Sessions:  sessions.NewCookieStore([]byte(cfg.SessionKey)),
		Auth:      auth,
		Accounts:  NewRepositoryAuthService(f.users),
		Users:     f.users,
		Schedules: f.store,
		Portal:    func(string, string) PortalSession { return f.portal },
		Train:     stubTrain{},
		Health:    map[string]Pinger{},
	})
	return f
}

func (f *routerFixture) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func (f *routerFixture) createAccount(t *testing.T, username, password string, role Role) {
	t.Helper()
	hash, err := HashPassword(password)
	require.NoError(t, err)
	_, err = f.users.Create(context.Background(), username, hash, string(role))
	require.NoError(t, err)
}

func (f *routerFixture) login(t *testing.T, path, username, password string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, path, map[string]string{"username": username, "password": password}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestRouterHealthAndMetrics(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	rec = f.do(t, http.MethodGet, "/api/users/me", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "xcrew_session_verifications_total")
}

func TestRouterRegister(t *testing.T) {
	f := newRouterFixture(t)
	body := map[string]string{"username": "1234567", "password": "dash-pw", "xcrewPassword": "portal-pw"}

	rec := f.do(t, http.MethodPost, "/api/auth/register", body, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/auth/register", body, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	f.portal.authErr = authFailed("incorrect credentials")
	body["username"] = "7654321"
	rec = f.do(t, http.MethodPost, "/api/auth/register", body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	delete(body, "xcrewPassword")
	rec = f.do(t, http.MethodPost, "/api/auth/register", body, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouterLoginMeLogout(t *testing.T) {
	f := newRouterFixture(t)
	f.createAccount(t, "jdoe", "pw", RoleUser)

	rec := f.do(t, http.MethodPost, "/api/auth/login", map[string]string{"username": "jdoe", "password": "nope"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/auth/login", map[string]string{"username": "jdoe", "password": "pw"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sawCookie bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == UserCookieName {
			sawCookie = true
			assert.True(t, c.HttpOnly)
		}
	}
	assert.True(t, sawCookie)

	token := f.login(t, "/api/auth/login", "jdoe", "pw")

	rec = f.do(t, http.MethodGet, "/api/users/me", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"username":"jdoe"`)

	rec = f.do(t, http.MethodPost, "/api/auth/logout", nil, token)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/users/me", nil, token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouterSecondLoginSupersedesFirst(t *testing.T) {
	f := newRouterFixture(t)
	f.createAccount(t, "jdoe", "pw", RoleUser)

	base := time.Now()
	f.auth.now = func() time.Time { return base }
	first := f.login(t, "/api/auth/login", "jdoe", "pw")
	f.auth.now = func() time.Time { return base.Add(time.Second) }
	second := f.login(t, "/api/auth/login", "jdoe", "pw")

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/users/me", nil, first).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/users/me", nil, second).Code)
}

func TestRouterAdminLoginRequiresAdminRole(t *testing.T) {
	f := newRouterFixture(t)
	f.createAccount(t, "jdoe", "pw", RoleUser)

	rec := f.do(t, http.MethodPost, "/api/admin/auth/login", map[string]string{"username": "jdoe", "password": "pw"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	userToken := f.login(t, "/api/auth/login", "jdoe", "pw")
	rec = f.do(t, http.MethodGet, "/api/admin/users", nil, userToken)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRouterAdminDeletesUser(t *testing.T) {
	f := newRouterFixture(t)
	f.createAccount(t, "root", "admin-pw", RoleAdmin)
	f.createAccount(t, "jdoe", "pw", RoleUser)
	ctx := context.Background()
	require.NoError(t, f.store.SaveDia(ctx, "jdoe", "20250301", DiaInfo{"x": 1}))

	adminToken := f.login(t, "/api/admin/auth/login", "root", "admin-pw")
	userToken := f.login(t, "/api/auth/login", "jdoe", "pw")

	rec := f.do(t, http.MethodGet, "/api/admin/users?per_page=10", nil, adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_items":2`)

	rec = f.do(t, http.MethodDelete, "/api/admin/users/jdoe", nil, adminToken)
	require.Equal(t, http.StatusNoContent, rec.Code)

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/users/me", nil, userToken).Code)
	dia, err := f.store.LoadDia(ctx, "jdoe", "20250301")
	require.NoError(t, err)
	assert.Nil(t, dia)

	rec = f.do(t, http.MethodDelete, "/api/admin/users/jdoe", nil, adminToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodDelete, "/api/admin/users/root", nil, adminToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/admin/system/status", nil, adminToken)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterScheduleSyncAndCachedRead(t *testing.T) {
	f := newRouterFixture(t)
	f.createAccount(t, "1234567", "pw", RoleUser)
	f.createAccount(t, "root", "admin-pw", RoleAdmin)
	token := f.login(t, "/api/auth/login", "1234567", "pw")

	rec := f.do(t, http.MethodPost, "/api/xcrew/schedule", map[string]string{
		"xcrewPassword": "portal-pw", "date": "20250301", "empName": "홍길동",
	}, token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"location":"서울"`)

	rec = f.do(t, http.MethodGet, "/api/xcrew/schedule?date=20250301", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"location":"서울"`)

	rec = f.do(t, http.MethodGet, "/api/xcrew/dia?date=20250301", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "서울")

	rec = f.do(t, http.MethodGet, "/api/xcrew/schedule?date=20250301&username=other", nil, token)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	adminToken := f.login(t, "/api/admin/auth/login", "root", "admin-pw")
	rec = f.do(t, http.MethodGet, "/api/xcrew/schedule?date=20250301&username=1234567", nil, adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"location":"서울"`)

	rec = f.do(t, http.MethodGet, "/api/xcrew/schedule?date=2025-03", nil, token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouterPortalErrorsMapToStatus(t *testing.T) {
	f := newRouterFixture(t)
	f.createAccount(t, "1234567", "pw", RoleUser)
	token := f.login(t, "/api/auth/login", "1234567", "pw")
	body := map[string]string{"xcrewPassword": "x", "date": "20250301", "empName": "n"}

	f.portal.schedErr = authFailed("incorrect credentials")
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/api/xcrew/schedule", body, token).Code)

	f.portal.schedErr = &PortalError{Op: "login_view", Reason: "failed to connect to portal", Kind: ErrPortalConnectivity}
	assert.Equal(t, http.StatusBadGateway, f.do(t, http.MethodPost, "/api/xcrew/schedule", body, token).Code)

	f.portal.schedErr = sessionExpired("schedule")
	assert.Equal(t, http.StatusBadGateway, f.do(t, http.MethodPost, "/api/xcrew/schedule", body, token).Code)
}

func TestRouterXcrewRequiresSession(t *testing.T) {
	f := newRouterFixture(t)
	rec := f.do(t, http.MethodGet, "/api/xcrew/schedule?date=20250301", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"UNAUTHORIZED"`)
}

func TestRouterTrainLookup(t *testing.T) {
	f := newRouterFixture(t)
	f.createAccount(t, "jdoe", "pw", RoleUser)
	token := f.login(t, "/api/auth/login", "jdoe", "pw")

	rec := f.do(t, http.MethodPost, "/api/train", map[string]string{"trainNo": "101", "driveDate": "20250301"}, token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"found":true`)

	rec = f.do(t, http.MethodPost, "/api/train", map[string]string{"trainNo": "bad", "driveDate": "20250301"}, token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"found":false`)
	assert.Contains(t, rec.Body.String(), ErrTrainTokenInvalid.Error())
}

func TestRouterCookieMutationNeedsCSRFToken(t *testing.T) {
	f := newRouterFixture(t)
	f.createAccount(t, "jdoe", "pw", RoleUser)
	token := f.login(t, "/api/auth/login", "jdoe", "pw")

	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: UserCookieName, Value: token})
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The session is untouched by the rejected request.
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/users/me", nil, token).Code)
}

func TestRouterCSRFTokenRoundTrip(t *testing.T) {
	f := newRouterFixture(t)
	f.createAccount(t, "jdoe", "pw", RoleUser)
	token := f.login(t, "/api/auth/login", "jdoe", "pw")
	authCookie := &http.Cookie{Name: UserCookieName, Value: token}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req.AddCookie(authCookie)
	f.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	csrf := rec.Header().Get(csrfHeader)
	require.NotEmpty(t, csrf)
	var csrfCookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == csrfSessionName {
			csrfCookie = c
		}
	}
	require.NotNil(t, csrfCookie, "first visit issues the csrf cookie")

	// Later reads reuse the token without rewriting the cookie.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
	req.AddCookie(authCookie)
	req.AddCookie(csrfCookie)
	f.engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, csrf, rec.Header().Get(csrfHeader))
	assert.Empty(t, rec.Header().Values("Set-Cookie"))

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.AddCookie(authCookie)
	req.AddCookie(csrfCookie)
	req.Header.Set(csrfHeader, csrf)
	f.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/users/me", nil, token).Code)
}

func TestRouterRejectsForeignOrigin(t *testing.T) {
	f := newRouterFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBootstrapAdminCreatesOnce(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryUserRepo()
	cfg := Defaults()
	cfg.InitialAdminPasswordPath = filepath.Join(t.TempDir(), "admin-password")

	created, err := BootstrapAdmin(ctx, repo, cfg)
	require.NoError(t, err)
	assert.True(t, created)

	raw, err := os.ReadFile(cfg.InitialAdminPasswordPath)
	require.NoError(t, err)
	password := strings.TrimSpace(string(raw))

	user, err := NewRepositoryAuthService(repo).Authenticate(ctx, cfg.BootstrapAdminName, password)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, user.Role)

	created, err = BootstrapAdmin(ctx, repo, cfg)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestBootstrapAdminNameTakenByCrewAccount(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryUserRepo()
	_, err := repo.Create(ctx, "admin", "hash", string(RoleUser))
	require.NoError(t, err)

	cfg := Defaults()
	cfg.InitialAdminPasswordPath = filepath.Join(t.TempDir(), "admin-password")

	created, err := BootstrapAdmin(ctx, repo, cfg)
	require.NoError(t, err, "a taken name must not abort startup")
	assert.False(t, created)
	_, statErr := os.Stat(cfg.InitialAdminPasswordPath)
	assert.True(t, os.IsNotExist(statErr))

	cfg.BootstrapAdminName = "ops"
	created, err = BootstrapAdmin(ctx, repo, cfg)
	require.NoError(t, err)
	assert.True(t, created)
	has, err := repo.HasAdmin(ctx)
	require.NoError(t, err)
	assert.True(t, has)
}
