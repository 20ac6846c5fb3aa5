package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

const (
	// DefaultPortalBaseURL is the XCrew origin.
	DefaultPortalBaseURL = "https://xcrew.korail.com"

	loginViewPath      = "/loginView.do"
	loginPath          = "/login.do"
	landingPath        = "/extrCrewMg/extrRltmCrewWrkPstt.do"
	schedulePagePath   = "/extrCrewMg/extrIndCrewWrkList.do"
	scheduleSearchPath = "/extrCrewMg/searchExtrIndCrewWrk.do"
	diaNoPath          = "/extrCrewMg/searchPdiaNo.do"
	diaPath            = "/extrCrewMg/searchExtrCrewDia.do"

	// loginMarker appears in redirects to, and bodies of, the login view.
	loginMarker   = "loginView.do"
	landingMarker = "extrRltmCrewWrkPstt.do"

	portalUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:146.0) Gecko/20100101 Firefox/146.0"
	maxPortalBody   = 8 << 20
)

// PortalConfig holds connection settings shared by all XCrew clients.
type PortalConfig struct {
	BaseURL string
	Timeout time.Duration
	// HTTPClient overrides the transport (tests). Redirect following is
	// always disabled on the client actually used.
	HTTPClient *http.Client
}

// XcrewClient drives one employee's XCrew web session. It is built per
// request and discarded afterwards; methods are safe for concurrent use.
type XcrewClient struct {
	base       string
	http       *http.Client
	employeeID string
	password   string
	jar        cookieJar

	authMu        sync.Mutex
	authenticated bool
	generation    uint64 // bumped on every successful login
}

// NewXcrewClient prepares a client; no request is made until first use.
func NewXcrewClient(cfg PortalConfig, employeeID, password string) *XcrewClient {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultPortalBaseURL
	}
	hc := http.Client{Timeout: cfg.Timeout}
	if cfg.HTTPClient != nil {
		hc = *cfg.HTTPClient
	}
	hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &XcrewClient{
		base:       base,
		http:       &hc,
		employeeID: employeeID,
		password:   password,
	}
}

// Authenticated reports whether the last login succeeded and has not been
// invalidated by an expiry.
func (c *XcrewClient) Authenticated() bool {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.authenticated
}

// Authenticate runs the login handshake from a clean cookie jar.
func (c *XcrewClient) Authenticate(ctx context.Context) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.authenticateLocked(ctx)
}

func (c *XcrewClient) authenticateLocked(ctx context.Context) error {
	c.jar.Reset()
	c.authenticated = false

	loginView := c.base + loginViewPath
	if _, err := c.do(ctx, "login_view", http.MethodGet, loginView, nil, documentHeaders("")); err != nil {
		return err
	}

	form := url.Values{
		"message": {""},
		"epno":    {c.employeeID},
		"pwd":     {c.password},
	}
	res, err := c.do(ctx, "login", http.MethodPost, c.base+loginPath, form, func(h http.Header) {
		documentHeaders(loginView)(h)
		h.Set("Content-Type", "application/x-www-form-urlencoded")
		h.Set("Origin", c.base)
	})
	if err != nil {
		return err
	}

	if isRedirect(res.status) {
		switch {
		case strings.Contains(res.location, landingMarker):
			confirm, err := c.do(ctx, "login_confirm", http.MethodGet, c.resolve(res.location), nil, documentHeaders(c.base+loginPath))
			if err != nil {
				return err
			}
			if isSessionExpired(confirm.status, confirm.location) {
				return authFailed("session not established")
			}
			c.authenticated = true
			c.generation++
			log.Printf("xcrew login ok employee=%s", c.employeeID)
			return nil
		case strings.Contains(res.location, loginMarker):
			return authFailed("incorrect credentials")
		}
	}

	body := string(res.body)
	if strings.Contains(body, "loginView") || strings.Contains(body, "로그인") {
		return authFailed("incorrect credentials")
	}
	return authFailed(fmt.Sprintf("unexpected login response: %d", res.status))
}

// ensureAuthenticated logs in when needed and returns the session generation.
func (c *XcrewClient) ensureAuthenticated(ctx context.Context) (uint64, error) {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	if !c.authenticated {
		if err := c.authenticateLocked(ctx); err != nil {
			return 0, err
		}
	}
	return c.generation, nil
}

// reauthenticate logs in again unless another caller already replaced the
// session generation seen by the failing operation.
func (c *XcrewClient) reauthenticate(ctx context.Context, seen uint64) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	if c.authenticated && c.generation != seen {
		return nil
	}
	c.authenticated = false
	portalReauthentications.Inc()
	return c.authenticateLocked(ctx)
}

// withSession runs op inside an authenticated session. An expired session is
// re-established and op retried exactly once; a second expiry is returned.
func withSession[T any](ctx context.Context, c *XcrewClient, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	gen, err := c.ensureAuthenticated(ctx)
	if err != nil {
		return zero, err
	}
	out, err := fn(ctx)
	if !errors.Is(err, ErrSessionExpired) {
		return out, err
	}

	log.Printf("xcrew %s: session expired, re-authenticating employee=%s", op, c.employeeID)
	if err := c.reauthenticate(ctx, gen); err != nil {
		return zero, err
	}
	out, err = fn(ctx)
	if err != nil {
		if errors.Is(err, ErrSessionExpired) {
			return zero, fmt.Errorf("xcrew %s: expired again after re-authentication: %w", op, err)
		}
		return zero, err
	}
	return out, nil
}

// GetSchedule returns the roster entries for date (YYYYMMDD) and employee name.
func (c *XcrewClient) GetSchedule(ctx context.Context, date, employeeName string) ([]RosterEntry, error) {
	return withSession(ctx, c, "schedule", func(ctx context.Context) ([]RosterEntry, error) {
		page := c.base + schedulePagePath
		res, err := c.do(ctx, "schedule_page", http.MethodGet, page, nil, documentHeaders(c.base+landingPath))
		if err != nil {
			return nil, err
		}
		if isSessionExpired(res.status, res.location) {
			return nil, sessionExpired("schedule")
		}

		form := url.Values{"empNm": {employeeName}, "pjtDt": {date}}
		res, err = c.do(ctx, "schedule_search", http.MethodPost, c.base+scheduleSearchPath, form, ajaxHeaders(c.base, page))
		if err != nil {
			return nil, err
		}
		if isSessionExpired(res.status, res.location) {
			return nil, sessionExpired("schedule")
		}

		var payload struct {
			Data []RosterEntry `json:"data"`
		}
		if err := decodePortalJSON("schedule", res.body, &payload); err != nil {
			return nil, err
		}
		if payload.Data == nil {
			return []RosterEntry{}, nil
		}
		return payload.Data, nil
	})
}

// GetDiaInfo returns the duty diagram for date. knownID skips the pdiaNo
// lookup; a nil DiaInfo means no diagram could be resolved.
func (c *XcrewClient) GetDiaInfo(ctx context.Context, date, knownID string) (DiaInfo, error) {
	return withSession(ctx, c, "dia", func(ctx context.Context) (DiaInfo, error) {
		referer := c.base + landingPath
		id := knownID
		if id == "" {
			form := url.Values{"pdiaNo": {""}, "pjtDt": {date}}
			res, err := c.do(ctx, "dia_lookup", http.MethodPost, c.base+diaNoPath, form, ajaxHeaders(c.base, referer))
			if err != nil {
				return nil, err
			}
			if isSessionExpired(res.status, res.location) {
				return nil, sessionExpired("dia")
			}
			var lookup map[string]any
			if err := decodePortalJSON("dia", res.body, &lookup); err != nil {
				return nil, err
			}
			id = resolveDiaNo(lookup)
		}
		if id == "" {
			return nil, nil
		}

		form := url.Values{"pdiaNo": {id}, "pjtDt": {date}}
		res, err := c.do(ctx, "dia_detail", http.MethodPost, c.base+diaPath, form, ajaxHeaders(c.base, referer))
		if err != nil {
			return nil, err
		}
		if isSessionExpired(res.status, res.location) {
			return nil, sessionExpired("dia")
		}
		var info DiaInfo
		if err := decodePortalJSON("dia", res.body, &info); err != nil {
			return nil, err
		}
		return info, nil
	})
}

// resolveDiaNo reads pdiaNo from either lookup response shape.
func resolveDiaNo(lookup map[string]any) string {
	if list, ok := lookup["pdiaNo"].([]any); ok && len(list) > 0 {
		if first, ok := list[0].(map[string]any); ok {
			if id := stringField(first["pdiaNo"]); id != "" {
				return id
			}
		}
	}
	if vo, ok := lookup["extrCrewMgVO"].(map[string]any); ok {
		return stringField(vo["pdiaNo"])
	}
	return ""
}

type portalResponse struct {
	status   int
	location string
	body     []byte
}

// do performs one portal exchange with the jar's cookies and merges any
// cookies the response sets.
func (c *XcrewClient) do(ctx context.Context, endpoint, method, target string, form url.Values, headers func(http.Header)) (*portalResponse, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &PortalError{Op: endpoint, Reason: "build request", Kind: ErrPortalConnectivity, Cause: err}
	}
	if headers != nil {
		headers(req.Header)
	}
	if cookie := c.jar.Header(); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		portalRequests.WithLabelValues(endpoint, "error").Inc()
		return nil, &PortalError{Op: endpoint, Reason: "failed to connect to portal", Kind: ErrPortalConnectivity, Cause: err}
	}
	defer resp.Body.Close()
	portalRequests.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	c.jar.Merge(resp)

	data, err := readPortalBody(resp)
	if err != nil {
		return nil, &PortalError{Op: endpoint, Reason: "read response", Kind: ErrPortalConnectivity, Cause: err}
	}
	return &portalResponse{
		status:   resp.StatusCode,
		location: resp.Header.Get("Location"),
		body:     data,
	}, nil
}

func (c *XcrewClient) resolve(location string) string {
	ref, err := url.Parse(location)
	if err != nil {
		return c.base + "/" + strings.TrimLeft(location, "/")
	}
	base, err := url.Parse(c.base + "/")
	if err != nil {
		return location
	}
	return base.ResolveReference(ref).String()
}

// readPortalBody undoes Content-Encoding; the client advertises gzip,
// deflate and zstd itself so net/http leaves decoding to us.
func readPortalBody(resp *http.Response) ([]byte, error) {
	var r io.Reader = resp.Body
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	case "deflate":
		zr, err := zlib.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	case "zstd":
		dec, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		r = dec
	}
	return io.ReadAll(io.LimitReader(r, maxPortalBody))
}

func isRedirect(status int) bool {
	return status == http.StatusFound || status == http.StatusSeeOther
}

// isSessionExpired reports a redirect back to the login view.
func isSessionExpired(status int, location string) bool {
	return isRedirect(status) && strings.Contains(location, loginMarker)
}

// decodePortalJSON parses an AJAX answer. The portal answers a logged-out
// AJAX call with the login page and status 200, which counts as expiry.
func decodePortalJSON(op string, body []byte, v any) error {
	if bytes.Contains(body, []byte(loginMarker)) {
		return sessionExpired(op)
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		snippet := body
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		log.Printf("xcrew %s: undecodable response: %q", op, snippet)
		return &PortalError{Op: op, Reason: "invalid JSON response from portal", Kind: ErrInvalidResponse, Cause: err}
	}
	return nil
}

func documentHeaders(referer string) func(http.Header) {
	return func(h http.Header) {
		h.Set("User-Agent", portalUserAgent)
		h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		h.Set("Accept-Language", "ko-KR,ko;q=0.8,en-US;q=0.5,en;q=0.3")
		h.Set("Accept-Encoding", "gzip, deflate, zstd")
		h.Set("Upgrade-Insecure-Requests", "1")
		h.Set("Sec-Fetch-Dest", "document")
		h.Set("Sec-Fetch-Mode", "navigate")
		h.Set("Sec-Fetch-Site", "same-origin")
		h.Set("Sec-Fetch-User", "?1")
		if referer != "" {
			h.Set("Referer", referer)
		}
	}
}

func ajaxHeaders(origin, referer string) func(http.Header) {
	return func(h http.Header) {
		h.Set("User-Agent", portalUserAgent)
		h.Set("Accept", "application/json, text/javascript, */*; q=0.01")
		h.Set("Accept-Language", "ko-KR,ko;q=0.8,en-US;q=0.5,en;q=0.3")
		h.Set("Accept-Encoding", "gzip, deflate, zstd")
		h.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
		h.Set("X-Requested-With", "XMLHttpRequest")
		h.Set("Origin", origin)
		h.Set("Referer", referer)
	}
}
