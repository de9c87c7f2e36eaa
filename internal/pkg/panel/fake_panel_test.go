package panel

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakePanel is an in-process admin API that can speak both dialects.
type fakePanel struct {
	t      *testing.T
	server *httptest.Server
	family Family

	logins   atomic.Int32
	requests atomic.Int32

	mu          sync.Mutex
	validToken  string
	tokenSeq    int
	users       map[string]map[string]interface{}
	lastBody    map[string]interface{}
	lastForm    map[string]string
	lastAuth    string
	loginStatus int
	loginDelay  time.Duration
	userDelay   time.Duration
	always401   bool
	createFail  int
	createMsg   string
}

func newFakePanel(t *testing.T, family Family) *fakePanel {
	t.Helper()
	fp := &fakePanel{
		t:      t,
		family: family,
		users:  map[string]map[string]interface{}{},
	}
	fp.server = httptest.NewServer(http.HandlerFunc(fp.serve))
	t.Cleanup(fp.server.Close)
	return fp
}

func (fp *fakePanel) config() Config {
	return Config{
		PanelID:   7,
		Name:      "fake-" + string(fp.family),
		BaseURL:   fp.server.URL,
		Username:  "admin",
		Password:  "secret",
		Family:    fp.family,
		Protocols: []string{"vless"},
	}
}

// set mutates behavior knobs under the lock handlers read them with.
func (fp *fakePanel) set(fn func(fp *fakePanel)) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fn(fp)
}

func (fp *fakePanel) body() map[string]interface{} {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.lastBody
}

func (fp *fakePanel) form() map[string]string {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.lastForm
}

func (fp *fakePanel) auth() string {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.lastAuth
}

// expireTokens makes every issued token invalid until the next login.
func (fp *fakePanel) expireTokens() {
	fp.mu.Lock()
	fp.validToken = ""
	fp.mu.Unlock()
}

func (fp *fakePanel) loginPath() string {
	if fp.family == FamilyMarzneshin {
		return "/api/admins/token"
	}
	return "/api/admin/token"
}

func (fp *fakePanel) userPrefix() string {
	if fp.family == FamilyMarzneshin {
		return "/api/users"
	}
	return "/api/user"
}

func (fp *fakePanel) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (fp *fakePanel) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == fp.loginPath() {
		fp.handleLogin(w, r)
		return
	}

	fp.requests.Add(1)
	fp.mu.Lock()
	fp.lastAuth = r.Header.Get("Authorization")
	valid := fp.validToken != "" && r.Header.Get("Authorization") == "Bearer "+fp.validToken
	always401 := fp.always401
	delay := fp.userDelay
	fp.mu.Unlock()

	if always401 || !valid {
		fp.writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Could not validate credentials"})
		return
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	switch {
	case r.URL.Path == "/api/system":
		fp.writeJSON(w, http.StatusOK, map[string]interface{}{
			"version": "0.8.4", "mem_total": 2048, "mem_used": 1024, "cpu_usage": 12.5,
			"total_user": 40, "users_active": 31, "incoming_bandwidth": 1000, "outgoing_bandwidth": 2000,
		})
	case r.URL.Path == "/api/nodes/usage":
		fp.writeJSON(w, http.StatusOK, map[string]interface{}{
			"usages": []map[string]interface{}{
				{"node_name": "master", "uplink": 10, "downlink": 20},
				{"node_name": "edge", "uplink": 5, "downlink": 5},
			},
		})
	case r.URL.Path == "/api/users" && r.Method == http.MethodGet:
		fp.mu.Lock()
		total := len(fp.users)
		fp.mu.Unlock()
		if fp.family == FamilyMarzneshin {
			fp.writeJSON(w, http.StatusOK, map[string]interface{}{"items": []interface{}{}, "total": total, "page": 1, "size": 1})
		} else {
			fp.writeJSON(w, http.StatusOK, map[string]interface{}{"users": []interface{}{}, "total": total})
		}
	case r.URL.Path == fp.userPrefix() && r.Method == http.MethodPost:
		fp.handleCreate(w, r)
	case strings.HasPrefix(r.URL.Path, fp.userPrefix()+"/"):
		name := strings.TrimPrefix(r.URL.Path, fp.userPrefix()+"/")
		fp.mu.Lock()
		user, ok := fp.users[name]
		if ok && r.Method == http.MethodDelete {
			delete(fp.users, name)
		}
		fp.mu.Unlock()
		if !ok {
			fp.writeJSON(w, http.StatusNotFound, map[string]string{"detail": "User not found"})
			return
		}
		if r.Method == http.MethodDelete {
			fp.writeJSON(w, http.StatusOK, map[string]string{"detail": "User successfully deleted"})
			return
		}
		fp.writeJSON(w, http.StatusOK, user)
	default:
		fp.writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not Found"})
	}
}

func (fp *fakePanel) handleLogin(w http.ResponseWriter, r *http.Request) {
	fp.logins.Add(1)
	if err := r.ParseForm(); err != nil {
		fp.t.Errorf("parse login form: %v", err)
	}
	fp.mu.Lock()
	fp.lastForm = map[string]string{
		"grant_type": r.PostForm.Get("grant_type"),
		"username":   r.PostForm.Get("username"),
		"password":   r.PostForm.Get("password"),
	}
	status := fp.loginStatus
	delay := fp.loginDelay
	fp.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if status != 0 && status != http.StatusOK {
		fp.writeJSON(w, status, map[string]string{"detail": "Incorrect username or password"})
		return
	}

	fp.mu.Lock()
	fp.tokenSeq++
	fp.validToken = fmt.Sprintf("tok-%d", fp.tokenSeq)
	tok := fp.validToken
	fp.mu.Unlock()
	fp.writeJSON(w, http.StatusOK, map[string]string{"access_token": tok, "token_type": "bearer"})
}

func (fp *fakePanel) handleCreate(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		fp.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{"detail": []map[string]string{{"msg": "invalid json"}}})
		return
	}
	username, _ := body["username"].(string)

	fp.mu.Lock()
	fp.lastBody = body
	if fp.createFail != 0 {
		status, msg := fp.createFail, fp.createMsg
		fp.mu.Unlock()
		fp.writeJSON(w, status, map[string]string{"detail": msg})
		return
	}
	if _, exists := fp.users[username]; exists {
		fp.mu.Unlock()
		fp.writeJSON(w, http.StatusConflict, map[string]string{"detail": "User already exists"})
		return
	}
	user := map[string]interface{}{
		"username":         username,
		"data_limit":       body["data_limit"],
		"used_traffic":     0,
		"subscription_url": "/sub/" + username + "/token",
	}
	if fp.family == FamilyMarzneshin {
		user["expire_strategy"] = body["expire_strategy"]
		user["expire_date"] = body["expire_date"]
		user["enabled"] = true
		user["expired"] = false
	} else {
		user["status"] = "active"
		user["expire"] = body["expire"]
	}
	fp.users[username] = user
	fp.mu.Unlock()
	fp.writeJSON(w, http.StatusOK, user)
}
