package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"shelfmark/internal/app"
	"shelfmark/pkg/domain"
	"shelfmark/pkg/store"
)

const testPassword = "Str0ng!Passw0rd"

// fakeObjectStore keeps uploaded blobs in memory.
type fakeObjectStore struct {
	objects map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *fakeObjectStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	if _, ok := f.objects[key]; !ok {
		return "", fmt.Errorf("no object %s", key)
	}
	return "https://objects.test/" + key, nil
}

func (f *fakeObjectStore) Delete(_ context.Context, key string) error {
	delete(f.objects, key)
	return nil
}

func newTestServer(t *testing.T, mutate func(*Config)) *httptest.Server {
	t.Helper()
	redis := miniredis.RunT(t)
	a, err := app.New(app.Config{
		JWTSecret: "0123456789abcdef0123456789abcdef",
		Store:     store.NewMemoryStore(),
		Objects:   newFakeObjectStore(),
		Unread:    store.NewMemoryUnreadCache(),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	cfg := Config{App: a, RedisAddr: redis.Addr()}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

type signupResult struct {
	Token string         `json:"token"`
	User  domain.User    `json:"user"`
	Role  domain.Role    `json:"role"`
	Prof  domain.Profile `json:"profile"`
}

func signupUser(t *testing.T, baseURL, email, role string) signupResult {
	t.Helper()
	resp := doJSON(t, http.MethodPost, baseURL+"/api/auth/signup", "", map[string]string{
		"email":    email,
		"password": testPassword,
		"fullName": "Test User",
		"role":     role,
	})
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("signup %s expected 201, got %d: %s", email, resp.StatusCode, body)
	}
	var out signupResult
	decodeBody(t, resp, &out)
	return out
}

func uploadBook(t *testing.T, baseURL, token, title, filename string, data []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	_ = mw.WriteField("title", title)
	_ = mw.WriteField("author", "Author")
	_ = mw.WriteField("category", "math")
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/books", &buf)
	if err != nil {
		t.Fatalf("new upload request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload request: %v", err)
	}
	return resp
}

func TestSignupLoginSessionLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)

	first := signupUser(t, ts.URL, "root@example.com", "student")
	if first.Role != domain.RoleAdmin {
		t.Fatalf("first signup role = %s, want admin", first.Role)
	}
	second := signupUser(t, ts.URL, "kim@example.com", "teacher")
	if second.Role != domain.RoleTeacher {
		t.Fatalf("second signup role = %s, want teacher", second.Role)
	}

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/auth/session", second.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session with token expected 200, got %d", resp.StatusCode)
	}
	var session app.Session
	decodeBody(t, resp, &session)
	if session.User.Email != "kim@example.com" || session.Role != domain.RoleTeacher {
		t.Fatalf("session = %+v, want kim@example.com / teacher", session)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/auth/session", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("session without token expected 401, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/auth/logout", second.Token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout expected 204, got %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/auth/session", second.Token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("session after logout expected 401, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/auth/login", "", map[string]string{
		"email":    "kim@example.com",
		"password": testPassword,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login expected 200, got %d", resp.StatusCode)
	}
	var relogin signupResult
	decodeBody(t, resp, &relogin)
	if relogin.Token == "" || relogin.Role != domain.RoleTeacher {
		t.Fatalf("relogin = %+v, want fresh teacher token", relogin)
	}
}

func TestLoginRateLimit(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.LoginRateLimitPerMinute = 1
	})
	signupUser(t, ts.URL, "kim@example.com", "student")

	body := map[string]string{"email": "kim@example.com", "password": testPassword}
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/auth/login", "", body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first login expected 200, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/auth/login", "", body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second login expected 429, got %d", resp.StatusCode)
	}
	if retry := resp.Header.Get("Retry-After"); retry != "60" {
		t.Fatalf("Retry-After = %q, want 60", retry)
	}
	var envelope struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	decodeBody(t, resp, &envelope)
	if envelope.Code != "RATE_LIMITED" {
		t.Fatalf("rate limit code = %q, want RATE_LIMITED", envelope.Code)
	}
}

func TestSignupRateLimit(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.SignupRateLimitPerMinute = 1
	})
	signupUser(t, ts.URL, "kim@example.com", "student")

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/auth/signup", "", map[string]string{
		"email":    "lee@example.com",
		"password": testPassword,
		"fullName": "Test User",
		"role":     "student",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second signup expected 429, got %d", resp.StatusCode)
	}
}

func TestWrongCredentialsEnvelope(t *testing.T) {
	ts := newTestServer(t, nil)
	signupUser(t, ts.URL, "kim@example.com", "student")

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/auth/login", "", map[string]string{
		"email":    "kim@example.com",
		"password": "Wr0ng!Password",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password expected 401, got %d", resp.StatusCode)
	}
	var envelope struct {
		Error     string `json:"error"`
		Code      string `json:"code"`
		RequestID string `json:"requestId"`
	}
	decodeBody(t, resp, &envelope)
	if envelope.Code != "AUTH_INVALID_CREDENTIALS" {
		t.Fatalf("code = %q, want AUTH_INVALID_CREDENTIALS", envelope.Code)
	}
	if envelope.RequestID == "" {
		t.Fatal("error envelope should carry the request id")
	}
	if !strings.Contains(envelope.Error, "Incorrect email address or password") {
		t.Fatalf("error = %q, want the anti-enumeration message", envelope.Error)
	}
}

func TestBookUploadListDownloadDelete(t *testing.T) {
	ts := newTestServer(t, nil)
	signupUser(t, ts.URL, "root@example.com", "")
	owner := signupUser(t, ts.URL, "kim@example.com", "student")
	other := signupUser(t, ts.URL, "lee@example.com", "student")

	resp := uploadBook(t, ts.URL, owner.Token, "Linear Algebra", "notes.pdf", []byte("%PDF-1.4 stub"))
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("upload expected 201, got %d: %s", resp.StatusCode, body)
	}
	var book domain.Book
	decodeBody(t, resp, &book)
	if book.ID == "" || book.Title != "Linear Algebra" {
		t.Fatalf("uploaded book = %+v", book)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/books?category=math", other.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list expected 200, got %d", resp.StatusCode)
	}
	var listing struct {
		Items []app.CatalogEntry `json:"items"`
		Count int                `json:"count"`
	}
	decodeBody(t, resp, &listing)
	if listing.Count != 1 || len(listing.Items) != 1 {
		t.Fatalf("listing = %+v, want one book", listing)
	}
	if listing.Items[0].CanDelete {
		t.Fatal("non-owner must not see canDelete")
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/books/"+book.ID+"/download", other.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download expected 200, got %d", resp.StatusCode)
	}
	var download map[string]string
	decodeBody(t, resp, &download)
	if download["url"] == "" || download["filename"] != "notes.pdf" {
		t.Fatalf("download = %v", download)
	}

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/books/"+book.ID, other.Token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("stranger delete expected 403, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/books/"+book.ID, owner.Token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner delete expected 200, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/books/"+book.ID, owner.Token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted book expected 404, got %d", resp.StatusCode)
	}
}

func TestUploadRejectsUnsupportedExtension(t *testing.T) {
	ts := newTestServer(t, nil)
	owner := signupUser(t, ts.URL, "kim@example.com", "student")

	resp := uploadBook(t, ts.URL, owner.Token, "Nope", "payload.exe", []byte("MZ"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("upload .exe expected 400, got %d", resp.StatusCode)
	}
	var envelope struct {
		Code string `json:"code"`
	}
	decodeBody(t, resp, &envelope)
	if envelope.Code != "BOOK_UNSUPPORTED_FILE_TYPE" {
		t.Fatalf("code = %q, want BOOK_UNSUPPORTED_FILE_TYPE", envelope.Code)
	}
}

func TestReviewEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	signupUser(t, ts.URL, "root@example.com", "")
	kim := signupUser(t, ts.URL, "kim@example.com", "student")
	lee := signupUser(t, ts.URL, "lee@example.com", "student")

	resp := uploadBook(t, ts.URL, kim.Token, "Chemistry", "chem.txt", []byte("text"))
	var book domain.Book
	decodeBody(t, resp, &book)

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/books/"+book.ID+"/reviews", lee.Token, map[string]any{
		"rating": 6, "comment": "overflow",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("rating 6 expected 400, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/books/"+book.ID+"/reviews", lee.Token, map[string]any{
		"rating": 4, "comment": "solid",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("review expected 201, got %d", resp.StatusCode)
	}
	var review domain.Review
	decodeBody(t, resp, &review)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/books/"+book.ID+"/reviews", kim.Token, nil)
	var reviews struct {
		Items []domain.Review `json:"items"`
		Count int             `json:"count"`
	}
	decodeBody(t, resp, &reviews)
	if reviews.Count != 1 || reviews.Items[0].Rating != 4 {
		t.Fatalf("reviews = %+v, want one 4-star review", reviews)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/books/"+book.ID, kim.Token, nil)
	var entry app.CatalogEntry
	decodeBody(t, resp, &entry)
	if entry.ReviewCount != 1 || entry.AverageRating != 4 {
		t.Fatalf("entry aggregates = %+v, want count 1 avg 4", entry)
	}

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/reviews/"+review.ID, kim.Token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-author review delete expected 403, got %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/reviews/"+review.ID, lee.Token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("author review delete expected 200, got %d", resp.StatusCode)
	}
}

func TestMessageEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	signupUser(t, ts.URL, "root@example.com", "")
	kim := signupUser(t, ts.URL, "kim@example.com", "student")
	lee := signupUser(t, ts.URL, "lee@example.com", "student")
	eve := signupUser(t, ts.URL, "eve@example.com", "student")

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/messages", kim.Token, map[string]string{
		"recipientId": lee.User.ID,
		"subject":     "study group",
		"content":     "thursday?",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send expected 201, got %d", resp.StatusCode)
	}
	var msg domain.Message
	decodeBody(t, resp, &msg)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/messages?box=inbox", lee.Token, nil)
	var inbox struct {
		Items []domain.Message `json:"items"`
		Count int              `json:"count"`
	}
	decodeBody(t, resp, &inbox)
	if inbox.Count != 1 || inbox.Items[0].Subject != "study group" {
		t.Fatalf("inbox = %+v, want the sent message", inbox)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/messages/unread", lee.Token, nil)
	var unread map[string]int
	decodeBody(t, resp, &unread)
	if unread["count"] != 1 {
		t.Fatalf("unread = %d, want 1", unread["count"])
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/messages/"+msg.ID, eve.Token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("third party get expected 403, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/messages/"+msg.ID+"/read", kim.Token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("sender mark-read expected 403, got %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/messages/"+msg.ID+"/read", lee.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("recipient mark-read expected 200, got %d", resp.StatusCode)
	}
	var read domain.Message
	decodeBody(t, resp, &read)
	if !read.IsRead {
		t.Fatal("message should be read")
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/messages/unread", lee.Token, nil)
	decodeBody(t, resp, &unread)
	if unread["count"] != 0 {
		t.Fatalf("unread after read = %d, want 0", unread["count"])
	}
}

func TestAdminEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	admin := signupUser(t, ts.URL, "root@example.com", "")
	kim := signupUser(t, ts.URL, "kim@example.com", "student")

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/admin/users", kim.Token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin expected 403, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/admin/users", admin.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin users expected 200, got %d", resp.StatusCode)
	}
	var users struct {
		Items []app.AdminUser `json:"items"`
		Count int             `json:"count"`
	}
	decodeBody(t, resp, &users)
	if users.Count != 2 {
		t.Fatalf("user count = %d, want 2", users.Count)
	}

	resp = doJSON(t, http.MethodPut, ts.URL+"/api/admin/users/"+kim.User.ID+"/role", admin.Token, map[string]string{
		"role": "teacher",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("role update expected 200, got %d", resp.StatusCode)
	}
	var assignment domain.RoleAssignment
	decodeBody(t, resp, &assignment)
	if assignment.Role != domain.RoleTeacher || assignment.AssignedBy != admin.User.ID {
		t.Fatalf("assignment = %+v, want teacher assigned by admin", assignment)
	}

	// Self-reassignment is refused by the policy engine.
	resp = doJSON(t, http.MethodPut, ts.URL+"/api/admin/users/"+admin.User.ID+"/role", admin.Token, map[string]string{
		"role": "student",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("self role update expected 403, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/admin/stats", admin.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats expected 200, got %d", resp.StatusCode)
	}
	var stats app.AdminStats
	decodeBody(t, resp, &stats)
	if stats.Users != 2 {
		t.Fatalf("stats = %+v, want 2 users", stats)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/admin/audit?limit=5", admin.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit expected 200, got %d", resp.StatusCode)
	}
	var audit struct {
		Items []domain.AuditEvent `json:"items"`
		Count int                 `json:"count"`
	}
	decodeBody(t, resp, &audit)
	if audit.Count == 0 || audit.Items[0].Action != "role.reassign" {
		t.Fatalf("audit = %+v, want the role.reassign event first", audit)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz expected 200, got %d", resp.StatusCode)
	}
}
