// Package paneltest provides an in-process Marzban admin API for tests.
package paneltest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Token is the bearer token the fake issues on every login.
const Token = "tok"

// Marzban fakes the subset of the Marzban admin API the adapters use.
type Marzban struct {
	server *httptest.Server

	Logins   atomic.Int32
	Creates  atomic.Int32
	Fetches  atomic.Int32
	Deletes  atomic.Int32
	Requests atomic.Int32

	mu           sync.Mutex
	users        map[string]map[string]interface{}
	createStatus int
	createMsg    string
	loginStatus  int
	loginDelay   time.Duration
}

// NewMarzban starts a fake panel that is closed with the test.
func NewMarzban(t testing.TB) *Marzban {
	t.Helper()
	m := &Marzban{users: map[string]map[string]interface{}{}}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.server.Close)
	return m
}

// URL is the panel base address.
func (m *Marzban) URL() string {
	return m.server.URL
}

// Close stops the server so later calls fail at the transport level.
func (m *Marzban) Close() {
	m.server.Close()
}

// Calls counts every request including logins.
func (m *Marzban) Calls() int32 {
	return m.Logins.Load() + m.Requests.Load()
}

// FailCreates makes user creation answer status with msg. Status 0 restores normal behavior.
func (m *Marzban) FailCreates(status int, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createStatus, m.createMsg = status, msg
}

// FailLogins makes the token endpoint answer status. Status 0 restores normal behavior.
func (m *Marzban) FailLogins(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loginStatus = status
}

// SetLoginDelay slows down every login.
func (m *Marzban) SetLoginDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loginDelay = d
}

// SeedUser creates an account with a 5 GB limit and a relative subscription link.
func (m *Marzban) SeedUser(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[username] = map[string]interface{}{
		"username":         username,
		"status":           "active",
		"expire":           time.Now().Add(72 * time.Hour).Unix(),
		"data_limit":       int64(5) << 30,
		"used_traffic":     0,
		"subscription_url": "/sub/" + username + "/seeded",
	}
}

// SetUserURL rewrites the subscription link of an existing account.
func (m *Marzban) SetUserURL(username, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.users[username]; ok {
		user["subscription_url"] = url
	}
}

// RemoveUser deletes an account behind the adapters' back.
func (m *Marzban) RemoveUser(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, username)
}

// HasUser reports whether the account exists.
func (m *Marzban) HasUser(username string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.users[username]
	return ok
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (m *Marzban) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/admin/token" {
		m.handleLogin(w)
		return
	}

	m.Requests.Add(1)
	if r.Header.Get("Authorization") != "Bearer "+Token {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Could not validate credentials"})
		return
	}

	switch {
	case r.URL.Path == "/api/system":
		m.mu.Lock()
		total := len(m.users)
		m.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"version": "0.8.4", "mem_total": 2048, "mem_used": 1024, "cpu_usage": 3.5,
			"total_user": total, "users_active": total, "incoming_bandwidth": 0, "outgoing_bandwidth": 0,
		})
	case r.URL.Path == "/api/users":
		m.mu.Lock()
		total := len(m.users)
		m.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]interface{}{"users": []interface{}{}, "total": total})
	case r.URL.Path == "/api/user" && r.Method == http.MethodPost:
		m.handleCreate(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/user/"):
		m.handleUser(w, r, strings.TrimPrefix(r.URL.Path, "/api/user/"))
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not Found"})
	}
}

func (m *Marzban) handleLogin(w http.ResponseWriter) {
	m.Logins.Add(1)
	m.mu.Lock()
	status, delay := m.loginStatus, m.loginDelay
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if status != 0 && status != http.StatusOK {
		writeJSON(w, status, map[string]string{"detail": "Incorrect username or password"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": Token, "token_type": "bearer"})
}

func (m *Marzban) handleCreate(w http.ResponseWriter, r *http.Request) {
	m.Creates.Add(1)
	raw, _ := io.ReadAll(r.Body)
	var body map[string]interface{}
	_ = json.Unmarshal(raw, &body)
	username, _ := body["username"].(string)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createStatus != 0 {
		writeJSON(w, m.createStatus, map[string]string{"detail": m.createMsg})
		return
	}
	if _, ok := m.users[username]; ok {
		writeJSON(w, http.StatusConflict, map[string]string{"detail": "User already exists"})
		return
	}
	user := map[string]interface{}{
		"username":         username,
		"status":           "active",
		"expire":           body["expire"],
		"data_limit":       body["data_limit"],
		"used_traffic":     0,
		"subscription_url": "/sub/" + username + "/token",
	}
	m.users[username] = user
	writeJSON(w, http.StatusOK, user)
}

func (m *Marzban) handleUser(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method == http.MethodDelete {
		m.Deletes.Add(1)
	} else {
		m.Fetches.Add(1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "User not found"})
		return
	}
	if r.Method == http.MethodDelete {
		delete(m.users, name)
		writeJSON(w, http.StatusOK, map[string]string{"detail": "User successfully deleted"})
		return
	}
	writeJSON(w, http.StatusOK, user)
}
