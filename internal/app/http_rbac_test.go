package app

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"corpora/api/internal/auth"
	"corpora/api/internal/invite"
	"corpora/api/internal/store"
)

func newServerAndToken(t *testing.T, fs *fakeStore, role string) (http.Handler, string) {
	t.Helper()
	svc := newTestService(fs)
	return newServerFor(t, svc, fs, role)
}

func newServerFor(t *testing.T, svc *Service, fs *fakeStore, role string) (http.Handler, string) {
	t.Helper()
	if fs.getUserByIDFn == nil {
		fs.getUserByIDFn = func(_ context.Context, id string) (store.User, error) {
			return store.User{ID: id, DisplayName: "Test User", Role: role, IsActive: true}, nil
		}
	}
	server := NewHTTPServer(svc, "*", "wf-secret")

	token, err := auth.IssueToken([]byte(svc.cfg.TokenSecret), auth.Claims{
		Sub: "usr_1", Name: "Test User", Role: role, JTI: "jti-1",
		Exp: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return server.Handler(), token
}

func doJSON(t *testing.T, handler http.Handler, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	payload := map[string]any{}
	_ = json.Unmarshal(recorder.Body.Bytes(), &payload)
	return recorder, payload
}

func TestRoleMatrix(t *testing.T) {
	cases := []struct {
		name   string
		method string
		path   string
		body   string
		role   string
		status int
	}{
		{"reader cannot create folder", http.MethodPost, "/api/folders", `{"name":"Docs"}`, "reader", http.StatusForbidden},
		{"editor creates folder", http.MethodPost, "/api/folders", `{"name":"Docs"}`, "editor", http.StatusCreated},
		{"reader lists folders", http.MethodGet, "/api/folders", "", "reader", http.StatusOK},
		{"editor cannot delete folder", http.MethodDelete, "/api/folders/fld_1", "", "editor", http.StatusForbidden},
		{"admin deletes folder", http.MethodDelete, "/api/folders/fld_1", "", "admin", http.StatusOK},
		{"editor cannot change visibility", http.MethodPut, "/api/folders/fld_1/visibility", `{"visibility":"team"}`, "editor", http.StatusForbidden},
		{"admin changes visibility", http.MethodPut, "/api/folders/fld_1/visibility", `{"visibility":"team"}`, "admin", http.StatusOK},
		{"editor cannot manage grants", http.MethodPost, "/api/folders/fld_1/grants", `{"userId":"usr_2"}`, "editor", http.StatusForbidden},
		{"admin adds grant", http.MethodPost, "/api/folders/fld_1/grants", `{"userId":"usr_2"}`, "admin", http.StatusCreated},
		{"reader cannot move document", http.MethodPut, "/api/documents/doc_1/move", `{"folderId":null}`, "reader", http.StatusForbidden},
		{"editor moves document", http.MethodPut, "/api/documents/doc_1/move", `{"folderId":null}`, "editor", http.StatusOK},
		{"editor cannot delete document", http.MethodDelete, "/api/documents/doc_1", "", "editor", http.StatusForbidden},
		{"admin deletes document", http.MethodDelete, "/api/documents/doc_1", "", "admin", http.StatusOK},
		{"editor cannot list users", http.MethodGet, "/api/users", "", "editor", http.StatusForbidden},
		{"admin lists users", http.MethodGet, "/api/users", "", "admin", http.StatusOK},
		{"admin cannot change roles", http.MethodPut, "/api/users/usr_2/role", `{"role":"editor"}`, "admin", http.StatusForbidden},
		{"super_admin changes roles", http.MethodPut, "/api/users/usr_2/role", `{"role":"editor"}`, "super_admin", http.StatusOK},
		{"admin cannot deactivate users", http.MethodPut, "/api/users/usr_2/active", `{"active":false}`, "admin", http.StatusForbidden},
		{"super_admin deactivates users", http.MethodPut, "/api/users/usr_2/active", `{"active":false}`, "super_admin", http.StatusOK},
		{"reader uses chat", http.MethodPost, "/api/chat", `{"message":"hi"}`, "reader", http.StatusOK},
		{"reader cannot export conversation", http.MethodGet, "/api/conversations/conv_1/export", "", "reader", http.StatusForbidden},
		{"editor cannot list all conversations", http.MethodGet, "/api/conversations?all=true", "", "editor", http.StatusForbidden},
		{"admin lists all conversations", http.MethodGet, "/api/conversations?all=true", "", "admin", http.StatusOK},
		{"editor cannot read settings", http.MethodGet, "/api/settings", "", "editor", http.StatusForbidden},
		{"admin reads settings", http.MethodGet, "/api/settings", "", "admin", http.StatusOK},
		{"admin cannot read billing", http.MethodGet, "/api/settings/billing", "", "admin", http.StatusForbidden},
		{"super_admin reads billing", http.MethodGet, "/api/settings/billing", "", "super_admin", http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fs := &fakeStore{}
			if strings.Contains(tc.path, "/grants") {
				// Grants only exist on custom folders.
				fs.getFolderVisibleFn = func(_ context.Context, viewer store.Viewer, id string) (store.Folder, error) {
					return store.Folder{ID: id, Name: "Folder", CreatorID: viewer.UserID, Visibility: "custom"}, nil
				}
			}
			handler, token := newServerAndToken(t, fs, tc.role)
			recorder, payload := doJSON(t, handler, tc.method, tc.path, token, tc.body)
			if recorder.Code != tc.status {
				t.Fatalf("status = %d, want %d (body %s)", recorder.Code, tc.status, recorder.Body.String())
			}
			if tc.status == http.StatusForbidden && payload["code"] != "FORBIDDEN" {
				t.Errorf("code = %v, want FORBIDDEN", payload["code"])
			}
		})
	}
}

func TestProtectedEndpointsRejectAnonymous(t *testing.T) {
	handler, _ := newServerAndToken(t, &fakeStore{}, "admin")

	for _, path := range []string{"/api/folders", "/api/documents", "/api/users", "/api/conversations"} {
		recorder, payload := doJSON(t, handler, http.MethodGet, path, "", "")
		if recorder.Code != http.StatusUnauthorized {
			t.Errorf("GET %s status = %d, want 401", path, recorder.Code)
		}
		if payload["code"] != "UNAUTHORIZED" {
			t.Errorf("GET %s code = %v", path, payload["code"])
		}
	}

	// Invalid tokens carry the same response as missing ones.
	recorder, _ := doJSON(t, handler, http.MethodGet, "/api/folders", "garbage", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Errorf("garbage token status = %d, want 401", recorder.Code)
	}
}

func TestSessionEndpoint(t *testing.T) {
	handler, token := newServerAndToken(t, &fakeStore{}, "editor")

	recorder, payload := doJSON(t, handler, http.MethodGet, "/api/session", "", "")
	if recorder.Code != http.StatusOK || payload["authenticated"] != false {
		t.Errorf("anonymous session = %d %v", recorder.Code, payload)
	}

	recorder, payload = doJSON(t, handler, http.MethodGet, "/api/session", token, "")
	if recorder.Code != http.StatusOK || payload["authenticated"] != true {
		t.Fatalf("session = %d %v", recorder.Code, payload)
	}
	if payload["role"] != "editor" {
		t.Errorf("role = %v", payload["role"])
	}
	caps, ok := payload["capabilities"].(map[string]any)
	if !ok || caps["upload_documents"] != true || caps["manage_users"] != false {
		t.Errorf("capabilities = %v", payload["capabilities"])
	}
}

func TestHealthAndReady(t *testing.T) {
	fs := &fakeStore{}
	handler, _ := newServerAndToken(t, fs, "reader")

	recorder, payload := doJSON(t, handler, http.MethodGet, "/api/health", "", "")
	if recorder.Code != http.StatusOK || payload["ok"] != true {
		t.Errorf("health = %d %v", recorder.Code, payload)
	}

	recorder, _ = doJSON(t, handler, http.MethodGet, "/api/ready", "", "")
	if recorder.Code != http.StatusOK {
		t.Errorf("ready = %d", recorder.Code)
	}

	fs.pingErr = context.DeadlineExceeded
	recorder, payload = doJSON(t, handler, http.MethodGet, "/api/ready", "", "")
	if recorder.Code != http.StatusServiceUnavailable {
		t.Errorf("ready with db down = %d", recorder.Code)
	}
	if payload["status"] != "not_ready" {
		t.Errorf("status = %v", payload["status"])
	}
}

func TestIngestStatusCallbackAuth(t *testing.T) {
	handler, _ := newServerAndToken(t, &fakeStore{}, "reader")
	body := `{"documentId":"doc_1","status":"indexed"}`

	post := func(secret string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/internal/ingest/status", strings.NewReader(body))
		if secret != "" {
			req.Header.Set("X-Corpora-Workflow-Secret", secret)
		}
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, req)
		return recorder
	}

	if code := post("wf-secret").Code; code != http.StatusOK {
		t.Errorf("valid secret = %d", code)
	}
	if code := post("wrong").Code; code != http.StatusUnauthorized {
		t.Errorf("wrong secret = %d", code)
	}
	if code := post("").Code; code != http.StatusUnauthorized {
		t.Errorf("missing secret = %d", code)
	}

	// An unset secret disables the endpoint outright.
	svc := newTestService(&fakeStore{})
	unsecured := NewHTTPServer(svc, "*", "").Handler()
	req := httptest.NewRequest(http.MethodPost, "/api/internal/ingest/status", strings.NewReader(body))
	recorder := httptest.NewRecorder()
	unsecured.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusUnauthorized {
		t.Errorf("unconfigured secret = %d", recorder.Code)
	}
}

func TestUploadEndpoint(t *testing.T) {
	buildForm := func(t *testing.T) (*bytes.Buffer, string) {
		t.Helper()
		buf := &bytes.Buffer{}
		form := multipart.NewWriter(buf)
		part, err := form.CreateFormFile("file", "report.pdf")
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write([]byte("pdf-content")); err != nil {
			t.Fatalf("write part: %v", err)
		}
		if err := form.WriteField("name", "Quarterly Report"); err != nil {
			t.Fatalf("write field: %v", err)
		}
		if err := form.Close(); err != nil {
			t.Fatalf("close form: %v", err)
		}
		return buf, form.FormDataContentType()
	}

	upload := func(t *testing.T, role string) (*httptest.ResponseRecorder, map[string]any) {
		t.Helper()
		handler, token := newServerAndToken(t, &fakeStore{}, role)
		buf, contentType := buildForm(t)
		req := httptest.NewRequest(http.MethodPost, "/api/documents", buf)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", contentType)
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, req)
		payload := map[string]any{}
		_ = json.Unmarshal(recorder.Body.Bytes(), &payload)
		return recorder, payload
	}

	recorder, payload := upload(t, "editor")
	if recorder.Code != http.StatusCreated {
		t.Fatalf("editor upload = %d (%s)", recorder.Code, recorder.Body.String())
	}
	if payload["name"] != "Quarterly Report" || payload["ingestStatus"] != "pending" {
		t.Errorf("payload = %v", payload)
	}

	recorder, payload = upload(t, "reader")
	if recorder.Code != http.StatusForbidden || payload["code"] != "FORBIDDEN" {
		t.Errorf("reader upload = %d %v", recorder.Code, payload)
	}
}

func TestSearchEndpoint(t *testing.T) {
	handler, token := newServerAndToken(t, &fakeStore{}, "reader")

	recorder, _ := doJSON(t, handler, http.MethodGet, "/api/search?q=report", token, "")
	if recorder.Code != http.StatusOK {
		t.Errorf("search = %d", recorder.Code)
	}

	recorder, payload := doJSON(t, handler, http.MethodGet, "/api/search?q=report&limit=abc", token, "")
	if recorder.Code != http.StatusUnprocessableEntity || payload["code"] != "VALIDATION_ERROR" {
		t.Errorf("bad limit = %d %v", recorder.Code, payload)
	}
}

// fakeInvites satisfies inviteManager for HTTP-level tests.
type fakeInvites struct {
	createFn  func(email, role, createdBy string) (*invite.Created, error)
	resolveFn func(token string) (store.Invitation, error)
	acceptFn  func(token, displayName, password string) (store.User, error)
	revokeFn  func(id string) error
	listFn    func() ([]store.Invitation, error)
}

func (f *fakeInvites) Create(_ context.Context, email, role, createdBy string) (*invite.Created, error) {
	return f.createFn(email, role, createdBy)
}
func (f *fakeInvites) Resolve(_ context.Context, token string) (store.Invitation, error) {
	return f.resolveFn(token)
}
func (f *fakeInvites) Accept(_ context.Context, token, displayName, password string) (store.User, error) {
	return f.acceptFn(token, displayName, password)
}
func (f *fakeInvites) Revoke(_ context.Context, id string) error {
	return f.revokeFn(id)
}
func (f *fakeInvites) List(_ context.Context) ([]store.Invitation, error) {
	return f.listFn()
}

func TestInvitationFlowOverHTTP(t *testing.T) {
	pending := store.Invitation{
		ID:        "inv_1",
		Email:     "new@example.com",
		Role:      "editor",
		CreatedBy: "usr_1",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(7 * 24 * time.Hour),
	}
	invites := &fakeInvites{
		createFn: func(email, role, createdBy string) (*invite.Created, error) {
			return &invite.Created{Invitation: pending, Token: "plain-token"}, nil
		},
		resolveFn: func(token string) (store.Invitation, error) {
			if token != "plain-token" {
				return store.Invitation{}, invite.ErrNotFound
			}
			return pending, nil
		},
		acceptFn: func(token, displayName, password string) (store.User, error) {
			if token != "plain-token" {
				return store.User{}, invite.ErrNotFound
			}
			return store.User{ID: "usr_new", Email: pending.Email, DisplayName: displayName, Role: pending.Role, IsActive: true}, nil
		},
		revokeFn: func(id string) error { return invite.ErrAlreadyAccepted },
		listFn:   func() ([]store.Invitation, error) { return []store.Invitation{pending}, nil },
	}

	fs := &fakeStore{}
	svc := newTestService(fs)
	svc.SetInviteManager(invites)
	handler, token := newServerFor(t, svc, fs, "super_admin")

	// SMTP is unconfigured, so creation exposes the dev bypass token.
	recorder, payload := doJSON(t, handler, http.MethodPost, "/api/invitations", token,
		`{"email":"new@example.com","role":"editor"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create = %d (%s)", recorder.Code, recorder.Body.String())
	}
	if payload["devInviteToken"] != "plain-token" {
		t.Errorf("devInviteToken = %v", payload["devInviteToken"])
	}

	// Resolution is public.
	recorder, payload = doJSON(t, handler, http.MethodGet, "/api/invite/plain-token", "", "")
	if recorder.Code != http.StatusOK || payload["email"] != "new@example.com" {
		t.Errorf("resolve = %d %v", recorder.Code, payload)
	}

	recorder, payload = doJSON(t, handler, http.MethodGet, "/api/invite/bogus", "", "")
	if recorder.Code != http.StatusNotFound {
		t.Errorf("resolve bogus = %d", recorder.Code)
	}

	// Acceptance creates the account and signs it in.
	recorder, payload = doJSON(t, handler, http.MethodPost, "/api/invite/plain-token/accept", "",
		`{"displayName":"New User","password":"password123"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("accept = %d (%s)", recorder.Code, recorder.Body.String())
	}
	if payload["token"] == "" || payload["role"] != "editor" {
		t.Errorf("accept payload = %v", payload)
	}

	// Revoking an accepted invitation conflicts.
	recorder, payload = doJSON(t, handler, http.MethodDelete, "/api/invitations/inv_1", token, "")
	if recorder.Code != http.StatusConflict || payload["code"] != "ALREADY_ACCEPTED" {
		t.Errorf("revoke accepted = %d %v", recorder.Code, payload)
	}
}

func TestInvitationCreationExcludesDevTokenWhenSMTPConfigured(t *testing.T) {
	invites := &fakeInvites{
		createFn: func(email, role, createdBy string) (*invite.Created, error) {
			return &invite.Created{
				Invitation: store.Invitation{ID: "inv_1", Email: email, Role: role, ExpiresAt: time.Now().Add(time.Hour)},
				Token:      "plain-token",
			}, nil
		},
	}

	fs := &fakeStore{}
	svc := newTestService(fs)
	svc.mail = &fakeMailer{configured: true}
	svc.SetInviteManager(invites)
	handler, token := newServerFor(t, svc, fs, "super_admin")

	recorder, payload := doJSON(t, handler, http.MethodPost, "/api/invitations", token,
		`{"email":"new@example.com","role":"editor"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create = %d", recorder.Code)
	}
	if _, present := payload["devInviteToken"]; present {
		t.Error("devInviteToken leaked with SMTP configured")
	}
}
