package e2e_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/probook/probook-go/internal/state"
	"github.com/probook/probook-go/probook"
)

const (
	testEmail      = "ana@probook.test"
	testPassword   = "hunter2"
	testPassphrase = "e2e-state-passphrase"

	refreshCookieName  = "refresh_token"
	refreshCookieValue = "rt-secret"
)

// apiServer is a minimal in-process Probook backend: it issues bearer
// tokens on login and refresh, tracks which ones are still valid, and
// guards the profile endpoint with them.
type apiServer struct {
	srv *httptest.Server

	mu           sync.Mutex
	validTokens  map[string]bool
	nextToken    int
	loginCalls   int
	refreshCalls int
	pushTokens   []string
}

func newAPIServer(t *testing.T) *apiServer {
	t.Helper()

	a := &apiServer{validTokens: make(map[string]bool)}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", a.handleLogin)
	mux.HandleFunc("POST /api/auth/refresh", a.handleRefresh)
	mux.HandleFunc("POST /api/auth/logout", a.handleLogout)
	mux.HandleFunc("GET /api/v1/users/me", a.handleProfile)
	mux.HandleFunc("GET /api/v1/dashboard/redirect", a.handleRedirect)
	mux.HandleFunc("POST /api/v1/users/me/token", a.handlePushToken)

	a.srv = httptest.NewServer(mux)
	t.Cleanup(a.srv.Close)

	return a
}

func (a *apiServer) issueToken() string {
	a.nextToken++
	token := fmt.Sprintf("tok-%d", a.nextToken)
	a.validTokens[token] = true

	return token
}

func (a *apiServer) authorized(r *http.Request) bool {
	const prefix = "Bearer "

	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) {
		return false
	}

	return a.validTokens[auth[len(prefix):]]
}

// expireTokens invalidates every access token issued so far. The
// refresh cookie stays valid.
func (a *apiServer) expireTokens() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.validTokens = make(map[string]bool)
}

func (a *apiServer) counts() (logins, refreshes int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.loginCalls, a.refreshCalls
}

func (a *apiServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.loginCalls++

	var creds struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	if err := decodeJSON(r, &creds); err != nil || creds.Email != testEmail || creds.Password != testPassword {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"invalid credentials"}`)

		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    refreshCookieValue,
		Path:     "/",
		HttpOnly: true,
		MaxAge:   7 * 24 * 3600,
	})
	fmt.Fprintf(w, `{"accessToken":%q}`, a.issueToken())
}

func (a *apiServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.refreshCalls++

	if c, err := r.Cookie(refreshCookieName); err != nil || c.Value != refreshCookieValue {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"missing refresh cookie"}`)

		return
	}

	fmt.Fprintf(w, `{"accessToken":%q}`, a.issueToken())
}

func (a *apiServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (a *apiServer) handleProfile(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"token expired"}`)

		return
	}

	fmt.Fprintf(w, `{"id":"u1","name":"Ana","email":%q,"role":"customer"}`, testEmail)
}

func (a *apiServer) handleRedirect(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"token expired"}`)

		return
	}

	fmt.Fprint(w, `{"role":"customer","target":"/home"}`)
}

func (a *apiServer) handlePushToken(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"token expired"}`)

		return
	}

	var req struct {
		Token string `json:"token"`
	}

	if err := decodeJSON(r, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	a.pushTokens = append(a.pushTokens, req.Token)
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// harness bundles the fake backend with an on-disk state database, so
// tests can simulate full process restarts by closing the store and
// opening a fresh session over the same files.
type harness struct {
	api      *apiServer
	statedir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	return &harness{
		api:      newAPIServer(t),
		statedir: t.TempDir(),
	}
}

// openSession opens the persistent store and builds a session over it,
// as the agent does at startup. The caller closes the store to
// simulate a shutdown.
func (h *harness) openSession(t *testing.T) (*probook.Session, *state.Store) {
	t.Helper()

	st, err := state.Open(filepath.Join(h.statedir, "state.db"), testPassphrase)
	require.NoError(t, err)

	deviceID, err := st.DeviceID()
	require.NoError(t, err)

	session, err := probook.New(probook.Options{
		BaseURL:  h.api.srv.URL,
		Tokens:   st,
		Roles:    st,
		Cookies:  st,
		DeviceID: deviceID,
	})
	require.NoError(t, err)

	return session, st
}
