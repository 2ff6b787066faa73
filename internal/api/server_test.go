package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/pauljones0/portfolio-backend/internal/identity"
	"github.com/pauljones0/portfolio-backend/internal/likes"
	"github.com/pauljones0/portfolio-backend/internal/localstore"
	"github.com/pauljones0/portfolio-backend/internal/models"
	"github.com/pauljones0/portfolio-backend/internal/realtime"
	"github.com/pauljones0/portfolio-backend/internal/storage"
)

const (
	testAdminEmail    = "admin@example.com"
	testAdminPassword = "hunter22"
)

type testEnv struct {
	srv   *Server
	http  *httptest.Server
	items *storage.Memory
	chats *realtime.Memory
}

func newTestEnv(t *testing.T, rateLimit float64) *testEnv {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword() error: %v", err)
	}
	items := storage.NewMemory()
	items.Seed(models.CollectionProjects, models.Item{Slug: "my-app", Title: "My App", Likes: 2, LikedBy: []string{"a", "b"}})
	items.Seed(models.CollectionBlogs, models.Item{Slug: "hello-world", Title: "Hello World"})
	chats := realtime.NewMemory()

	srv := New(Options{
		Issuer: identity.NewIssuer(identity.IssuerConfig{
			Secret:            "test-secret",
			TTL:               time.Hour,
			AdminEmail:        testAdminEmail,
			AdminPasswordHash: string(hash),
			AdminUID:          "admin",
		}),
		IdentityTTL:   time.Hour,
		Items:         items,
		Local:         localstore.NewMemory(),
		Chats:         chats,
		LikeRateLimit: rateLimit,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Wait()
	})
	return &testEnv{srv: srv, http: ts, items: items, chats: chats}
}

// client returns an HTTP client with its own cookie jar, standing in for one
// browser.
func (e *testEnv) client(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar.New() error: %v", err)
	}
	return &http.Client{Jar: jar, Timeout: 5 * time.Second}
}

func do(t *testing.T, c *http.Client, method, target string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("json.Marshal() error: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, target, r)
	if err != nil {
		t.Fatalf("NewRequest() error: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("%s %s error: %v", method, target, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	return resp, data
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, 5)
	resp, body := do(t, env.client(t), http.MethodGet, env.http.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"ok"`) {
		t.Errorf("Body = %s, want ok status", body)
	}
}

func TestAnonymousIdentity_SetsCookie(t *testing.T) {
	env := newTestEnv(t, 5)
	c := env.client(t)

	resp, body := do(t, c, http.MethodPost, env.http.URL+"/api/identity/anonymous", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Status = %d, want 200", resp.StatusCode)
	}
	var first identityResponse
	if err := json.Unmarshal(body, &first); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if first.UID == "" || first.Role != identity.RoleAnonymous {
		t.Errorf("Identity = %+v, want anonymous uid", first)
	}

	// The cookie brings the same identity back.
	_, body = do(t, c, http.MethodPost, env.http.URL+"/api/identity/anonymous", nil)
	var second identityResponse
	if err := json.Unmarshal(body, &second); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if second.UID != first.UID {
		t.Errorf("Second uid = %q, want %q", second.UID, first.UID)
	}
}

func TestAdminLogin(t *testing.T) {
	env := newTestEnv(t, 5)

	tests := []struct {
		name       string
		body       loginRequest
		wantStatus int
	}{
		{"Valid credentials", loginRequest{Email: testAdminEmail, Password: testAdminPassword}, http.StatusOK},
		{"Wrong password", loginRequest{Email: testAdminEmail, Password: "nope"}, http.StatusUnauthorized},
		{"Unknown email", loginRequest{Email: "other@example.com", Password: testAdminPassword}, http.StatusUnauthorized},
		{"Missing email", loginRequest{Password: testAdminPassword}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, env.client(t), http.MethodPost, env.http.URL+"/api/admin/login", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("Status = %d, want %d (body %s)", resp.StatusCode, tt.wantStatus, body)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var got identityResponse
			if err := json.Unmarshal(body, &got); err != nil {
				t.Fatalf("Unmarshal() error: %v", err)
			}
			if got.Role != identity.RoleAdmin || got.UID != "admin" || got.Token == "" {
				t.Errorf("Identity = %+v, want admin with token", got)
			}
		})
	}
}

func TestItems_ListAndLike(t *testing.T) {
	env := newTestEnv(t, 50)
	c := env.client(t)

	resp, body := do(t, c, http.MethodGet, env.http.URL+"/api/items?collection=projects", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("List status = %d, want 200", resp.StatusCode)
	}
	var list itemsResponse
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].Key != "my-app" || list.Items[0].Likes != 2 {
		t.Fatalf("Items = %+v, want my-app with 2 likes", list.Items)
	}

	for i := 0; i < 2; i++ {
		resp, body = do(t, c, http.MethodPost, env.http.URL+"/api/items/projects/my-app/like", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Like status = %d, want 200 (body %s)", resp.StatusCode, body)
		}
	}
	var view likes.View
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if !view.Liked || view.Likes != 3 {
		t.Errorf("View = liked=%v likes=%d, want true and 3", view.Liked, view.Likes)
	}
	if calls := env.items.Calls(); len(calls) != 1 || calls[0] != "like projects/my-app" {
		t.Errorf("Remote calls = %v, want one like", calls)
	}

	var identitySet bool
	for _, ck := range c.Jar.Cookies(mustParse(t, env.http.URL)) {
		if ck.Name == identityCookie && ck.Value != "" {
			identitySet = true
		}
	}
	if !identitySet {
		t.Error("Like did not persist an identity cookie")
	}

	resp, body = do(t, c, http.MethodPost, env.http.URL+"/api/items/projects/my-app/unlike", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Unlike status = %d, want 200", resp.StatusCode)
	}
	view = likes.View{}
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if view.Liked || view.Likes != 2 {
		t.Errorf("View after unlike = liked=%v likes=%d, want false and 2", view.Liked, view.Likes)
	}
}

func TestItems_DevicesAreIsolated(t *testing.T) {
	env := newTestEnv(t, 50)
	a, b := env.client(t), env.client(t)

	do(t, a, http.MethodPost, env.http.URL+"/api/items/projects/my-app/like", nil)

	_, body := do(t, b, http.MethodGet, env.http.URL+"/api/items?collection=projects", nil)
	var list itemsResponse
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].Liked {
		t.Errorf("Other device sees %+v, want not liked", list.Items)
	}
	if list.Items[0].Likes != 3 {
		t.Errorf("Other device count = %d, want 3", list.Items[0].Likes)
	}
	if n := env.srv.devices.len(); n != 2 {
		t.Errorf("Devices = %d, want 2", n)
	}
}

func TestVote_Errors(t *testing.T) {
	env := newTestEnv(t, 50)

	tests := []struct {
		name       string
		path       string
		body       any
		wantStatus int
	}{
		{"Unknown collection", "/api/items/videos/x/like", nil, http.StatusBadRequest},
		{"Unknown item", "/api/items/projects/missing/like", nil, http.StatusNotFound},
		{"Unknown action", "/api/items/projects/my-app/boost", nil, http.StatusNotFound},
		{"Dislike on project", "/api/items/projects/my-app/dislike", nil, http.StatusBadRequest},
		{"React without emoji", "/api/items/blogs/hello-world/react", map[string]string{"emoji": ""}, http.StatusBadRequest},
		{"React with unknown field", "/api/items/blogs/hello-world/react", map[string]string{"mood": "x"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, env.client(t), http.MethodPost, env.http.URL+tt.path, tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("Status = %d, want %d (body %s)", resp.StatusCode, tt.wantStatus, body)
			}
		})
	}
}

func TestVote_BlogReaction(t *testing.T) {
	env := newTestEnv(t, 50)
	c := env.client(t)

	resp, body := do(t, c, http.MethodPost, env.http.URL+"/api/items/blogs/hello-world/react", map[string]string{"emoji": "🔥"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("React status = %d, want 200 (body %s)", resp.StatusCode, body)
	}
	var view likes.View
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if view.Reaction != "🔥" || view.Reactions["🔥"] != 1 {
		t.Errorf("View = reaction %q counts %v, want one 🔥", view.Reaction, view.Reactions)
	}
}

func TestVote_RateLimited(t *testing.T) {
	env := newTestEnv(t, 1)
	c := env.client(t)

	resp, _ := do(t, c, http.MethodPost, env.http.URL+"/api/items/projects/my-app/like", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("First like status = %d, want 200", resp.StatusCode)
	}
	resp, _ = do(t, c, http.MethodPost, env.http.URL+"/api/items/projects/my-app/unlike", nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Second vote status = %d, want 429", resp.StatusCode)
	}
}

func TestStartChat_AndSend(t *testing.T) {
	env := newTestEnv(t, 5)
	visitor := env.client(t)

	resp, body := do(t, visitor, http.MethodPost, env.http.URL+"/api/chats", startChatRequest{Name: "Ada", Email: "ada@example.com"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Start status = %d, want 201 (body %s)", resp.StatusCode, body)
	}
	var started startChatResponse
	if err := json.Unmarshal(body, &started); err != nil || started.ID == "" {
		t.Fatalf("Start body = %s, want id", body)
	}

	msgURL := env.http.URL + "/api/chats/" + started.ID + "/messages"
	resp, body = do(t, visitor, http.MethodPost, msgURL, sendMessageRequest{Text: "Hello there"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Send status = %d, want 204 (body %s)", resp.StatusCode, body)
	}
	if n := env.chats.Len(messagesPathFor(started.ID)); n != 1 {
		t.Errorf("Stored messages = %d, want 1", n)
	}

	resp, _ = do(t, visitor, http.MethodPost, msgURL, sendMessageRequest{Text: "   "})
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Blank send status = %d, want 204", resp.StatusCode)
	}
	if n := env.chats.Len(messagesPathFor(started.ID)); n != 1 {
		t.Errorf("Stored messages after blank send = %d, want 1", n)
	}

	resp, _ = do(t, env.client(t), http.MethodPost, msgURL, sendMessageRequest{Text: "intruder"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Send without identity status = %d, want 403", resp.StatusCode)
	}

	stranger := env.client(t)
	do(t, stranger, http.MethodPost, env.http.URL+"/api/identity/anonymous", nil)
	resp, _ = do(t, stranger, http.MethodPost, msgURL, sendMessageRequest{Text: "intruder"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Send by another visitor status = %d, want 404", resp.StatusCode)
	}

	admin := env.client(t)
	do(t, admin, http.MethodPost, env.http.URL+"/api/admin/login", loginRequest{Email: testAdminEmail, Password: testAdminPassword})
	resp, body = do(t, admin, http.MethodPost, msgURL, sendMessageRequest{Text: "Hi Ada"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Admin send status = %d, want 204 (body %s)", resp.StatusCode, body)
	}
	if n := env.chats.Len(messagesPathFor(started.ID)); n != 2 {
		t.Errorf("Stored messages after admin reply = %d, want 2", n)
	}
}

func TestStartChat_Validation(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		wantFields map[string]string
	}{
		{"Empty body", map[string]string{}, map[string]string{"name": "required", "email": "required"}},
		{"Blank name", startChatRequest{Name: "   ", Email: "ada@example.com"}, map[string]string{"name": "required"}},
		{"Blank email", startChatRequest{Name: "Ada", Email: "  "}, map[string]string{"email": "required"}},
		{"Blank both", startChatRequest{Name: "   ", Email: ""}, map[string]string{"name": "required", "email": "required"}},
		{"Invalid email", startChatRequest{Name: "Ada", Email: "not-an-email"}, map[string]string{"email": "email"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, 5)
			resp, body := do(t, env.client(t), http.MethodPost, env.http.URL+"/api/chats", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("Status = %d, want 400 (body %s)", resp.StatusCode, body)
			}
			var got errorResponse
			if err := json.Unmarshal(body, &got); err != nil {
				t.Fatalf("Unmarshal() error: %v", err)
			}
			if got.Error != models.ErrSessionCreate.Error() {
				t.Errorf("Error = %q, want %q", got.Error, models.ErrSessionCreate.Error())
			}
			for field, rule := range tt.wantFields {
				if got.Fields[field] != rule {
					t.Errorf("Fields = %v, want %s=%s", got.Fields, field, rule)
				}
			}
			if n := env.chats.Len("chats"); n != 0 {
				t.Errorf("Conversations = %d, want none", n)
			}
		})
	}
}

func TestStartChat_BackendFailure(t *testing.T) {
	env := newTestEnv(t, 5)
	env.chats.FailNext(errors.New("unavailable"))

	resp, body := do(t, env.client(t), http.MethodPost, env.http.URL+"/api/chats", startChatRequest{Name: "Ada", Email: "ada@example.com"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("Status = %d, want 502", resp.StatusCode)
	}
	if !strings.Contains(string(body), chatUnavailable) {
		t.Errorf("Body = %s, want retry prompt", body)
	}
}

func TestRegistry_EvictsIdleDevices(t *testing.T) {
	env := newTestEnv(t, 5)
	c := env.client(t)
	do(t, c, http.MethodGet, env.http.URL+"/api/items", nil)

	g := env.srv.devices
	if g.len() != 1 {
		t.Fatalf("Devices = %d, want 1", g.len())
	}
	g.mu.Lock()
	g.now = func() time.Time { return time.Now().Add(2 * g.idle) }
	g.mu.Unlock()
	if n := g.evictIdle(); n != 1 || g.len() != 0 {
		t.Errorf("evictIdle() = %d leaving %d, want 1 leaving 0", n, g.len())
	}
}

func TestRegistry_HydratesPastCancelledRequest(t *testing.T) {
	env := newTestEnv(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := env.srv.devices.get(ctx, "device-1", identity.NewSession(env.srv.issuer, ""))
	if n := len(d.reconciler.Items("")); n != 2 {
		t.Errorf("Items after cancelled first request = %d, want 2", n)
	}
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q) error: %v", raw, err)
	}
	return u
}

func messagesPathFor(id string) string {
	return realtime.Join("chats", id, "messages")
}
