package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"
)

// TestVisibilityRequiresRole verifies that a viewer whose role was
// cleared sees nothing at all: no team folders, no folders they
// created, no unfiled documents. The SQL predicate must agree with
// rbac.CanViewFolder, which denies viewers without a recognized role.
func TestVisibilityRequiresRole(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	s := newTestStore(t, ctx)

	mustCreateUser(t, ctx, s, User{ID: "usr_editor", Email: "editor@test.local", DisplayName: "Editor", Role: "editor", IsActive: true})
	mustCreateUser(t, ctx, s, User{ID: "usr_norole", Email: "norole@test.local", DisplayName: "No Role", Role: "", IsActive: true})

	folders := []Folder{
		{ID: "fld_team", Name: "Team", CreatorID: "usr_editor", OwnerID: "usr_editor", Visibility: "team"},
		{ID: "fld_own", Name: "Own", CreatorID: "usr_norole", OwnerID: "usr_norole", Visibility: "private"},
		{ID: "fld_granted", Name: "Granted", CreatorID: "usr_editor", OwnerID: "usr_editor", Visibility: "custom"},
	}
	for _, f := range folders {
		if err := s.InsertFolder(ctx, f); err != nil {
			t.Fatalf("insert folder %s: %v", f.ID, err)
		}
	}
	if err := s.InsertFolderGrant(ctx, FolderGrant{ID: "grt_1", FolderID: "fld_granted", UserID: "usr_norole", GrantedBy: "usr_editor"}); err != nil {
		t.Fatalf("insert grant: %v", err)
	}
	if err := s.InsertDocument(ctx, Document{ID: "doc_unfiled", Name: "Unfiled", ObjectKey: "k1", UploadedBy: "usr_editor", IngestStatus: IngestPending}); err != nil {
		t.Fatalf("insert document: %v", err)
	}

	noRole := Viewer{UserID: "usr_norole", Role: ""}

	visible, err := s.ListFoldersVisible(ctx, noRole)
	if err != nil {
		t.Fatalf("list folders: %v", err)
	}
	if len(visible) != 0 {
		t.Errorf("role-less viewer sees %d folders, want 0", len(visible))
	}

	for _, id := range []string{"fld_team", "fld_own", "fld_granted"} {
		if _, err := s.GetFolderVisible(ctx, noRole, id); !errors.Is(err, sql.ErrNoRows) {
			t.Errorf("get %s without role: err = %v, want sql.ErrNoRows", id, err)
		}
	}

	ids, err := s.AccessibleFolderIDs(ctx, noRole)
	if err != nil {
		t.Fatalf("accessible ids: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("accessible ids = %v, want none", ids)
	}

	docs, err := s.ListDocumentsVisible(ctx, noRole, "")
	if err != nil {
		t.Fatalf("list documents: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("role-less viewer sees %d documents, want 0", len(docs))
	}

	// Sanity: a reader still sees the team folder and the unfiled doc.
	reader := Viewer{UserID: "usr_other", Role: "reader"}
	visible, err = s.ListFoldersVisible(ctx, reader)
	if err != nil {
		t.Fatalf("list folders as reader: %v", err)
	}
	if len(visible) != 1 || visible[0].ID != "fld_team" {
		t.Errorf("reader folders = %+v, want only fld_team", visible)
	}
	docs, err = s.ListDocumentsVisible(ctx, reader, "")
	if err != nil {
		t.Fatalf("list documents as reader: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "doc_unfiled" {
		t.Errorf("reader documents = %+v, want only doc_unfiled", docs)
	}
}

// TestVisibilityTransitionClearsGrants exercises custom -> team ->
// custom. Grants must disappear on the way out of custom so the second
// custom phase starts with an empty grant list.
func TestVisibilityTransitionClearsGrants(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	s := newTestStore(t, ctx)

	mustCreateUser(t, ctx, s, User{ID: "usr_admin", Email: "admin@test.local", DisplayName: "Admin", Role: "admin", IsActive: true})
	mustCreateUser(t, ctx, s, User{ID: "usr_reader", Email: "reader@test.local", DisplayName: "Reader", Role: "reader", IsActive: true})

	if err := s.InsertFolder(ctx, Folder{ID: "fld_1", Name: "Reports", CreatorID: "usr_admin", OwnerID: "usr_admin", Visibility: "custom"}); err != nil {
		t.Fatalf("insert folder: %v", err)
	}
	if err := s.InsertFolderGrant(ctx, FolderGrant{ID: "grt_1", FolderID: "fld_1", UserID: "usr_reader", GrantedBy: "usr_admin"}); err != nil {
		t.Fatalf("insert grant: %v", err)
	}

	grantee := Viewer{UserID: "usr_reader", Role: "reader"}
	if _, err := s.GetFolderVisible(ctx, grantee, "fld_1"); err != nil {
		t.Fatalf("grantee read before transition: %v", err)
	}

	if err := s.SetFolderVisibility(ctx, "fld_1", "team"); err != nil {
		t.Fatalf("set team: %v", err)
	}
	grants, err := s.ListFolderGrants(ctx, "fld_1")
	if err != nil {
		t.Fatalf("list grants: %v", err)
	}
	if len(grants) != 0 {
		t.Fatalf("grants after leaving custom = %+v, want none", grants)
	}

	if err := s.SetFolderVisibility(ctx, "fld_1", "custom"); err != nil {
		t.Fatalf("set custom: %v", err)
	}
	has, err := s.HasFolderGrant(ctx, "fld_1", "usr_reader")
	if err != nil {
		t.Fatalf("has grant: %v", err)
	}
	if has {
		t.Error("stale grant survived the round trip back to custom")
	}
	if _, err := s.GetFolderVisible(ctx, grantee, "fld_1"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("grantee read after round trip: err = %v, want sql.ErrNoRows", err)
	}
}

// TestConcurrentInvitationCreates races two inserts for the same email.
// Exactly one may win; the loser must observe the pending invitation.
func TestConcurrentInvitationCreates(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	s := newTestStore(t, ctx)

	expires := time.Now().Add(7 * 24 * time.Hour)
	invitations := []Invitation{
		{ID: "inv_a", Email: "new@test.local", Role: "reader", TokenHash: "hash-a", CreatedBy: "usr_admin", ExpiresAt: expires},
		{ID: "inv_b", Email: "New@Test.Local", Role: "editor", TokenHash: "hash-b", CreatedBy: "usr_admin", ExpiresAt: expires},
	}

	errs := make([]error, len(invitations))
	var wg sync.WaitGroup
	for i := range invitations {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.InsertInvitation(ctx, invitations[i])
		}(i)
	}
	wg.Wait()

	var created, duplicate int
	for _, err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrDuplicateInvite):
			duplicate++
		default:
			t.Fatalf("unexpected insert error: %v", err)
		}
	}
	if created != 1 || duplicate != 1 {
		t.Fatalf("created = %d, duplicate = %d, want 1 and 1", created, duplicate)
	}

	all, err := s.ListInvitations(ctx)
	if err != nil {
		t.Fatalf("list invitations: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("invitations stored = %d, want 1", len(all))
	}
}

// newTestStore opens the test database, applies migrations, and
// truncates every table so each test starts clean.
func newTestStore(t *testing.T, ctx context.Context) *PostgresStore {
	t.Helper()

	db, err := Open(ctx, getTestDatabaseURL(t), 5)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := ApplyMigrations(ctx, db, "../../db/migrations"); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	_, err = db.ExecContext(ctx, `
		TRUNCATE messages, conversations, documents, folder_grants,
		         folders, invitations, revoked_tokens, users CASCADE
	`)
	if err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	return NewPostgresStore(db)
}

func mustCreateUser(t *testing.T, ctx context.Context, s *PostgresStore, user User) {
	t.Helper()
	if err := s.CreateUser(ctx, user); err != nil {
		t.Fatalf("create user %s: %v", user.ID, err)
	}
}

// getTestDatabaseURL returns the database URL for testing. It checks
// TEST_DATABASE_URL first, then falls back to the standard Postgres
// environment variables with local development defaults.
func getTestDatabaseURL(t *testing.T) string {
	t.Helper()

	if url := testGetenv("TEST_DATABASE_URL", ""); url != "" {
		return url
	}

	host := testGetenv("POSTGRES_HOST", "localhost")
	port := testGetenv("POSTGRES_PORT", "5432")
	user := testGetenv("POSTGRES_USER", "corpora")
	pass := testGetenv("POSTGRES_PASSWORD", "corpora")
	dbname := testGetenv("POSTGRES_DB", "corpora_test")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + dbname + "?sslmode=disable"
}

func testGetenv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
