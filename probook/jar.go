package probook

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"
)

// CookieStore persists serialized cookie entries across restarts,
// keyed by origin ("https://host"). A nil data value deletes the key.
type CookieStore interface {
	SetCookieEntries(origin string, data []byte) error
	CookieEntries() (map[string][]byte, error)
	ClearCookies() error
}

// Jar is a persistent cookie jar. It wraps the standard library jar
// for matching semantics and mirrors every entry to a CookieStore so
// the httpOnly refresh cookie survives process restarts. Application
// code never reads cookie values; they only travel with requests.
type Jar struct {
	mu      sync.Mutex
	inner   http.CookieJar
	store   CookieStore
	logger  *slog.Logger
	entries map[string][]*http.Cookie
}

// NewJar creates a jar, restoring any entries persisted in store.
// A nil store yields a purely in-memory jar.
func NewJar(store CookieStore, logger *slog.Logger) (*Jar, error) {
	inner, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}

	j := &Jar{
		inner:   inner,
		store:   store,
		logger:  logger,
		entries: make(map[string][]*http.Cookie),
	}

	if store == nil {
		return j, nil
	}

	persisted, err := store.CookieEntries()
	if err != nil {
		return nil, fmt.Errorf("restoring cookies: %w", err)
	}

	now := time.Now()

	for origin, data := range persisted {
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			logger.Warn("dropping cookie entry with bad origin", slog.String("origin", origin))
			continue
		}

		var cookies []*http.Cookie
		if err := json.Unmarshal(data, &cookies); err != nil {
			logger.Warn("dropping undecodable cookie entry", slog.String("origin", origin))
			continue
		}

		live := cookies[:0]

		for _, c := range cookies {
			if !c.Expires.IsZero() && c.Expires.Before(now) {
				continue
			}

			live = append(live, c)
		}

		if len(live) == 0 {
			continue
		}

		j.entries[origin] = live
		j.inner.SetCookies(u, live)
	}

	return j, nil
}

// SetCookies stores cookies for the URL and mirrors them to the
// persistent store.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.inner.SetCookies(u, cookies)

	origin := u.Scheme + "://" + u.Host
	now := time.Now()
	merged := j.entries[origin]

	for _, c := range cookies {
		for i := len(merged) - 1; i >= 0; i-- {
			if merged[i].Name == c.Name && merged[i].Path == c.Path {
				merged = append(merged[:i], merged[i+1:]...)
			}
		}

		if c.MaxAge < 0 {
			continue // explicit deletion
		}

		kept := *c
		// Max-Age is relative to receipt time; pin it to an absolute
		// expiry so a restored entry does not outlive its intent.
		if kept.MaxAge > 0 {
			kept.Expires = now.Add(time.Duration(kept.MaxAge) * time.Second)
			kept.MaxAge = 0
		}

		if !kept.Expires.IsZero() && kept.Expires.Before(now) {
			continue
		}

		merged = append(merged, &kept)
	}

	if len(merged) == 0 {
		delete(j.entries, origin)
	} else {
		j.entries[origin] = merged
	}

	j.persistLocked(origin)
}

// Cookies returns the cookies to send with a request to u.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.inner.Cookies(u)
}

// Clear drops every cookie, in memory and persisted. Called on logout
// to invalidate the refresh cookie locally.
func (j *Jar) Clear() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	inner, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("resetting cookie jar: %w", err)
	}

	j.inner = inner
	j.entries = make(map[string][]*http.Cookie)

	if j.store != nil {
		if err := j.store.ClearCookies(); err != nil {
			return fmt.Errorf("clearing persisted cookies: %w", err)
		}
	}

	return nil
}

func (j *Jar) persistLocked(origin string) {
	if j.store == nil {
		return
	}

	cookies := j.entries[origin]
	if len(cookies) == 0 {
		if err := j.store.SetCookieEntries(origin, nil); err != nil {
			j.logger.Warn("failed to delete persisted cookies", slog.String("error", err.Error()))
		}

		return
	}

	data, err := json.Marshal(cookies)
	if err != nil {
		j.logger.Warn("failed to encode cookies", slog.String("error", err.Error()))
		return
	}

	if err := j.store.SetCookieEntries(origin, data); err != nil {
		j.logger.Warn("failed to persist cookies", slog.String("error", err.Error()))
	}
}
