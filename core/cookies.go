package core

import (
	"net/http"
	"sort"
	"strings"
	"sync"
)

// ParseSetCookie extracts the name=value pair from one Set-Cookie header.
// Attributes (Path, Expires, HttpOnly...) are ignored.
func ParseSetCookie(header string) map[string]string {
	out := map[string]string{}
	nameValue, _, _ := strings.Cut(header, ";")
	name, value, ok := strings.Cut(nameValue, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return out
	}
	out[name] = strings.TrimSpace(value)
	return out
}

// MergeCookies overlays fresh cookies onto an existing Cookie header value.
// Names keep their first-seen order; values are last-write-wins.
func MergeCookies(existing string, fresh map[string]string) string {
	var order []string
	values := map[string]string{}
	for _, part := range strings.Split(existing, ";") {
		name, value, _ := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, seen := values[name]; !seen {
			order = append(order, name)
		}
		values[name] = strings.TrimSpace(value)
	}
	// deterministic order for names first seen in this batch
	var added []string
	for name := range fresh {
		if _, seen := values[name]; !seen {
			added = append(added, name)
		}
	}
	sort.Strings(added)
	order = append(order, added...)
	for name, value := range fresh {
		values[name] = value
	}

	parts := make([]string, 0, len(order))
	for _, name := range order {
		parts = append(parts, name+"="+values[name])
	}
	return strings.Join(parts, "; ")
}

// ExtractResponseCookies collects every Set-Cookie directive of resp.
func ExtractResponseCookies(resp *http.Response) map[string]string {
	out := map[string]string{}
	for _, sc := range resp.Header.Values("Set-Cookie") {
		for k, v := range ParseSetCookie(sc) {
			out[k] = v
		}
	}
	return out
}

// cookieJar is the portal session's name=value store. Each response is
// merged under the lock, so concurrent calls never interleave a merge.
type cookieJar struct {
	mu     sync.Mutex
	header string
}

func (j *cookieJar) Reset() {
	j.mu.Lock()
	j.header = ""
	j.mu.Unlock()
}

func (j *cookieJar) Merge(resp *http.Response) {
	fresh := ExtractResponseCookies(resp)
	if len(fresh) == 0 {
		return
	}
	j.mu.Lock()
	j.header = MergeCookies(j.header, fresh)
	j.mu.Unlock()
}

// Header renders the jar as a Cookie header value.
func (j *cookieJar) Header() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.header
}
