package authpw

import (
	"context"
	"errors"
	"testing"

	"corpora/api/internal/store"
	"golang.org/x/crypto/bcrypt"
)

// mockUserStore is a mock implementation of UserStore for testing
type mockUserStore struct {
	users      map[string]store.User
	emailIndex map[string]string // email -> userID
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		users:      make(map[string]store.User),
		emailIndex: make(map[string]string),
	}
}

func (m *mockUserStore) addUser(id, email, password string) {
	hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	user := store.User{ID: id, Email: email, PasswordHash: string(hash), IsActive: true}
	m.users[id] = user
	m.emailIndex[email] = id
}

func (m *mockUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if userID, ok := m.emailIndex[email]; ok {
		return m.users[userID], nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *mockUserStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	user, ok := m.users[userID]
	if !ok {
		return errors.New("user not found")
	}
	user.PasswordHash = passwordHash
	m.users[userID] = user
	return nil
}

func TestSignIn(t *testing.T) {
	ms := newMockUserStore()
	ms.addUser("usr_1", "ana@example.com", "correct horse")
	svc := NewService(ms)

	user, err := svc.SignIn(context.Background(), "ana@example.com", "correct horse")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if user.ID != "usr_1" {
		t.Errorf("user.ID = %q", user.ID)
	}
}

func TestSignInNormalizesEmail(t *testing.T) {
	ms := newMockUserStore()
	ms.addUser("usr_1", "ana@example.com", "correct horse")
	svc := NewService(ms)

	if _, err := svc.SignIn(context.Background(), "  Ana@Example.COM ", "correct horse"); err != nil {
		t.Fatalf("SignIn with unnormalized email: %v", err)
	}
}

func TestSignInRejectsBadCredentials(t *testing.T) {
	ms := newMockUserStore()
	ms.addUser("usr_1", "ana@example.com", "correct horse")
	svc := NewService(ms)

	cases := []struct {
		name     string
		email    string
		password string
	}{
		{"wrong password", "ana@example.com", "wrong"},
		{"unknown email", "nobody@example.com", "correct horse"},
		{"empty password", "ana@example.com", ""},
		{"empty email", "", "correct horse"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.SignIn(context.Background(), tc.email, tc.password)
			if !errors.Is(err, ErrInvalidCredentials) {
				t.Errorf("err = %v, want ErrInvalidCredentials", err)
			}
		})
	}
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("long enough")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("long enough")); err != nil {
		t.Errorf("hash does not verify: %v", err)
	}

	if _, err := HashPassword("short"); !errors.Is(err, ErrWeakPassword) {
		t.Errorf("short password err = %v, want ErrWeakPassword", err)
	}
}

func TestChangePassword(t *testing.T) {
	ms := newMockUserStore()
	ms.addUser("usr_1", "ana@example.com", "old password")
	svc := NewService(ms)

	if err := svc.ChangePassword(context.Background(), "usr_1", "ana@example.com", "old password", "new password"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if _, err := svc.SignIn(context.Background(), "ana@example.com", "new password"); err != nil {
		t.Errorf("SignIn with new password: %v", err)
	}
	if _, err := svc.SignIn(context.Background(), "ana@example.com", "old password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("old password still accepted")
	}
}

func TestChangePasswordRejectsWrongCurrent(t *testing.T) {
	ms := newMockUserStore()
	ms.addUser("usr_1", "ana@example.com", "old password")
	svc := NewService(ms)

	err := svc.ChangePassword(context.Background(), "usr_1", "ana@example.com", "nope", "new password")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("err = %v, want ErrInvalidCredentials", err)
	}

	err = svc.ChangePassword(context.Background(), "usr_1", "ana@example.com", "old password", "short")
	if !errors.Is(err, ErrWeakPassword) {
		t.Errorf("err = %v, want ErrWeakPassword", err)
	}
}
