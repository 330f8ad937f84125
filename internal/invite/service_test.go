package invite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"corpora/api/internal/auth"
	"corpora/api/internal/authpw"
	"corpora/api/internal/email"
	"corpora/api/internal/store"
)

// memStore mirrors the Postgres invitation semantics in memory.
type memStore struct {
	invitations map[string]store.Invitation // by ID
	users       map[string]store.User       // by email
}

func newMemStore() *memStore {
	return &memStore{
		invitations: make(map[string]store.Invitation),
		users:       make(map[string]store.User),
	}
}

func (m *memStore) InsertInvitation(ctx context.Context, inv store.Invitation) error {
	if _, ok := m.users[inv.Email]; ok {
		return store.ErrDuplicateEmail
	}
	for _, existing := range m.invitations {
		if existing.Email == inv.Email && existing.AcceptedAt == nil && existing.ExpiresAt.After(time.Now()) {
			return store.ErrDuplicateInvite
		}
		if existing.TokenHash == inv.TokenHash {
			return store.ErrDuplicateToken
		}
	}
	inv.CreatedAt = time.Now()
	m.invitations[inv.ID] = inv
	return nil
}

func (m *memStore) GetInvitationByTokenHash(ctx context.Context, tokenHash string) (store.Invitation, error) {
	for _, inv := range m.invitations {
		if inv.TokenHash == tokenHash {
			return inv, nil
		}
	}
	return store.Invitation{}, sql.ErrNoRows
}

func (m *memStore) GetInvitation(ctx context.Context, id string) (store.Invitation, error) {
	inv, ok := m.invitations[id]
	if !ok {
		return store.Invitation{}, sql.ErrNoRows
	}
	return inv, nil
}

func (m *memStore) ListInvitations(ctx context.Context) ([]store.Invitation, error) {
	var out []store.Invitation
	for _, inv := range m.invitations {
		out = append(out, inv)
	}
	return out, nil
}

func (m *memStore) AcceptInvitation(ctx context.Context, tokenHash string, user store.User) (store.Invitation, error) {
	inv, err := m.GetInvitationByTokenHash(ctx, tokenHash)
	if err != nil {
		return store.Invitation{}, err
	}
	if inv.AcceptedAt != nil {
		return store.Invitation{}, store.ErrInviteAlreadyAccepted
	}
	if !inv.ExpiresAt.After(time.Now()) {
		return store.Invitation{}, store.ErrInviteExpired
	}
	if _, ok := m.users[inv.Email]; ok {
		return store.Invitation{}, store.ErrDuplicateEmail
	}
	now := time.Now()
	inv.AcceptedAt = &now
	m.invitations[inv.ID] = inv
	user.Email = inv.Email
	user.Role = inv.Role
	m.users[user.Email] = user
	return inv, nil
}

func (m *memStore) DeleteInvitation(ctx context.Context, id string) error {
	if _, ok := m.invitations[id]; !ok {
		return sql.ErrNoRows
	}
	delete(m.invitations, id)
	return nil
}

type recordingMailer struct {
	configured bool
	sent       []email.InvitationEmail
}

func (r *recordingMailer) IsConfigured() bool { return r.configured }
func (r *recordingMailer) SendInvitation(inv email.InvitationEmail) error {
	r.sent = append(r.sent, inv)
	return nil
}

func newTestService(ms *memStore, mailer Mailer) *Service {
	return NewService(ms, mailer, 7*24*time.Hour, "https://corpora.example")
}

func TestCreateStoresHashNotToken(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, nil)

	created, err := svc.Create(context.Background(), "new@example.com", "editor", "usr_admin")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Token == "" {
		t.Fatal("no plaintext token returned")
	}
	stored := ms.invitations[created.Invitation.ID]
	if stored.TokenHash == created.Token {
		t.Error("plaintext token stored")
	}
	if stored.TokenHash != auth.HashToken(created.Token) {
		t.Error("stored hash does not match token")
	}
	if got, want := stored.ExpiresAt.Sub(stored.CreatedAt).Round(time.Hour), 7*24*time.Hour; got != want {
		t.Errorf("ttl = %v, want %v", got, want)
	}
}

func TestCreateSendsEmailWhenConfigured(t *testing.T) {
	ms := newMemStore()
	mailer := &recordingMailer{configured: true}
	svc := newTestService(ms, mailer)

	created, err := svc.Create(context.Background(), "new@example.com", "admin", "usr_admin")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(mailer.sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(mailer.sent))
	}
	sent := mailer.sent[0]
	if sent.To != "new@example.com" || sent.Role != "admin" {
		t.Errorf("sent = %+v", sent)
	}
	if !strings.HasSuffix(sent.AcceptURL, "/invite/"+created.Token) {
		t.Errorf("accept URL = %q", sent.AcceptURL)
	}
	if sent.ExpiresInDays != 7 {
		t.Errorf("expires in %d days, want 7", sent.ExpiresInDays)
	}
}

func TestCreateRejectsSuperAdminAndUnknownRoles(t *testing.T) {
	svc := newTestService(newMemStore(), nil)
	for _, role := range []string{"super_admin", "owner", ""} {
		if _, err := svc.Create(context.Background(), "a@example.com", role, "usr_admin"); !errors.Is(err, ErrInvalidRole) {
			t.Errorf("role %q: err = %v, want ErrInvalidRole", role, err)
		}
	}
}

func TestCreateConflicts(t *testing.T) {
	ms := newMemStore()
	ms.users["taken@example.com"] = store.User{ID: "usr_1", Email: "taken@example.com"}
	svc := newTestService(ms, nil)

	if _, err := svc.Create(context.Background(), "taken@example.com", "reader", "usr_admin"); !errors.Is(err, ErrEmailTaken) {
		t.Errorf("existing account: err = %v, want ErrEmailTaken", err)
	}

	if _, err := svc.Create(context.Background(), "pending@example.com", "reader", "usr_admin"); err != nil {
		t.Fatalf("first invite: %v", err)
	}
	if _, err := svc.Create(context.Background(), "pending@example.com", "reader", "usr_admin"); !errors.Is(err, ErrPendingExists) {
		t.Errorf("second invite: err = %v, want ErrPendingExists", err)
	}
}

func TestResolve(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, nil)
	created, err := svc.Create(context.Background(), "new@example.com", "editor", "usr_admin")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	inv, err := svc.Resolve(context.Background(), created.Token)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if inv.Email != "new@example.com" || inv.Role != "editor" {
		t.Errorf("resolved = %+v", inv)
	}

	if _, err := svc.Resolve(context.Background(), "bogus-token"); !errors.Is(err, ErrNotFound) {
		t.Errorf("bogus token: err = %v, want ErrNotFound", err)
	}
}

func TestResolveExpired(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, nil)
	created, _ := svc.Create(context.Background(), "new@example.com", "editor", "usr_admin")

	inv := ms.invitations[created.Invitation.ID]
	inv.ExpiresAt = time.Now().Add(-time.Minute)
	ms.invitations[inv.ID] = inv

	if _, err := svc.Resolve(context.Background(), created.Token); !errors.Is(err, ErrExpired) {
		t.Errorf("err = %v, want ErrExpired", err)
	}
}

func TestAcceptLifecycle(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, nil)
	created, _ := svc.Create(context.Background(), "new@example.com", "editor", "usr_admin")

	user, err := svc.Accept(context.Background(), created.Token, "New Person", "a fine password")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if user.Email != "new@example.com" {
		t.Errorf("email = %q, want the invitation's", user.Email)
	}
	if user.Role != "editor" {
		t.Errorf("role = %q, want the invitation's", user.Role)
	}
	if !user.IsActive {
		t.Error("new account not active")
	}

	// Second accept of the same token
	if _, err := svc.Accept(context.Background(), created.Token, "Impostor", "another password"); !errors.Is(err, ErrAlreadyAccepted) {
		t.Errorf("second accept: err = %v, want ErrAlreadyAccepted", err)
	}
}

func TestAcceptValidation(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, nil)
	created, _ := svc.Create(context.Background(), "new@example.com", "editor", "usr_admin")

	if _, err := svc.Accept(context.Background(), created.Token, "New Person", "short"); !errors.Is(err, authpw.ErrWeakPassword) {
		t.Errorf("weak password: err = %v, want ErrWeakPassword", err)
	}
	if _, err := svc.Accept(context.Background(), created.Token, "  ", "a fine password"); err == nil {
		t.Error("blank display name accepted")
	}
	if _, err := svc.Accept(context.Background(), "bogus-token", "New Person", "a fine password"); !errors.Is(err, ErrNotFound) {
		t.Errorf("bogus token: err = %v, want ErrNotFound", err)
	}
}

func TestAcceptExpired(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, nil)
	created, _ := svc.Create(context.Background(), "new@example.com", "editor", "usr_admin")

	inv := ms.invitations[created.Invitation.ID]
	inv.ExpiresAt = time.Now().Add(-time.Minute)
	ms.invitations[inv.ID] = inv

	if _, err := svc.Accept(context.Background(), created.Token, "New Person", "a fine password"); !errors.Is(err, ErrExpired) {
		t.Errorf("err = %v, want ErrExpired", err)
	}
}

func TestRevoke(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, nil)
	created, _ := svc.Create(context.Background(), "new@example.com", "editor", "usr_admin")

	if err := svc.Revoke(context.Background(), created.Invitation.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := svc.Resolve(context.Background(), created.Token); !errors.Is(err, ErrNotFound) {
		t.Errorf("revoked token resolves: err = %v", err)
	}
	if err := svc.Revoke(context.Background(), created.Invitation.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("double revoke: err = %v, want ErrNotFound", err)
	}
}

func TestRevokeAcceptedInvitation(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms, nil)
	created, _ := svc.Create(context.Background(), "new@example.com", "editor", "usr_admin")
	if _, err := svc.Accept(context.Background(), created.Token, "New Person", "a fine password"); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	if err := svc.Revoke(context.Background(), created.Invitation.ID); !errors.Is(err, ErrAlreadyAccepted) {
		t.Errorf("err = %v, want ErrAlreadyAccepted", err)
	}
}
