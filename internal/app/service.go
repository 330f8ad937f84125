package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"corpora/api/internal/auth"
	"corpora/api/internal/authpw"
	"corpora/api/internal/config"
	"corpora/api/internal/ingest"
	"corpora/api/internal/rbac"
	"corpora/api/internal/search"
	"corpora/api/internal/store"
	"corpora/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

func (s Session) viewer() store.Viewer {
	return store.Viewer{UserID: s.UserID, Role: s.Role}
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	CreateUser(context.Context, store.User) error
	CountUsers(context.Context) (int, error)
	ListUsers(context.Context) ([]store.User, error)
	SetUserActive(context.Context, string, bool) error
	SetUserRole(context.Context, string, string) error
	CountActiveSuperAdmins(context.Context) (int, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	InsertFolder(context.Context, store.Folder) error
	GetFolderVisible(context.Context, store.Viewer, string) (store.Folder, error)
	ListFoldersVisible(context.Context, store.Viewer) ([]store.Folder, error)
	AccessibleFolderIDs(context.Context, store.Viewer) ([]string, error)
	RenameFolder(context.Context, string, string) error
	SetFolderVisibility(context.Context, string, string) error
	DeleteFolderCascade(context.Context, string) error
	InsertFolderGrant(context.Context, store.FolderGrant) error
	DeleteFolderGrant(context.Context, string, string) error
	ListFolderGrants(context.Context, string) ([]store.FolderGrant, error)
	HasFolderGrant(context.Context, string, string) (bool, error)

	InsertDocument(context.Context, store.Document) error
	GetDocumentVisible(context.Context, store.Viewer, string) (store.Document, error)
	ListDocumentsVisible(context.Context, store.Viewer, string) ([]store.Document, error)
	RenameDocument(context.Context, string, string) error
	MoveDocument(context.Context, string, *string) error
	DeleteDocument(context.Context, string) error
	SetDocumentIngestStatus(context.Context, string, string) error

	InsertConversation(context.Context, store.Conversation) error
	GetConversation(context.Context, string) (store.Conversation, error)
	ListConversations(context.Context, string) ([]store.Conversation, error)
	InsertMessage(context.Context, store.Message) error
	ListMessages(context.Context, string) ([]store.Message, error)

	Ping(ctx context.Context) error
}

// refreshStore holds refresh tokens, keyed by hash, with expiry.
type refreshStore interface {
	Save(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	Lookup(ctx context.Context, tokenHash string) (string, error)
	Revoke(ctx context.Context, tokenHash string) error
	Ping(ctx context.Context) error
}

// blobStore holds the raw uploaded files.
type blobStore interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
	PresignedGetURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// workflowClient is the external ingestion and chat engine.
type workflowClient interface {
	Configured() bool
	NotifyUpload(ctx context.Context, documentID, fileName, contentType, downloadURL string) error
	NotifyDelete(ctx context.Context, documentID string) error
	Chat(ctx context.Context, conversationID, userID, message string, folderIDs []string) (*ingest.ChatReply, error)
}

// searchIndex is satisfied by *search.Service.
type searchIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexDocument(doc search.DocumentRecord)
	IndexFolder(f search.FolderRecord)
	DeleteDocument(id string)
	DeleteFolder(id string)
}

type mailer interface {
	IsConfigured() bool
}

// passwordAuth is satisfied by *authpw.Service.
type passwordAuth interface {
	SignIn(ctx context.Context, email, password string) (store.User, error)
	ChangePassword(ctx context.Context, userID, email, current, next string) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  refreshStore
	blobs     blobStore
	workflow  workflowClient
	search    searchIndex
	mail      mailer
	invites   inviteManager
	passwords passwordAuth
}

func New(cfg config.Config, dataStore dataStore, sessions refreshStore, blobs blobStore, workflow workflowClient, searchSvc *search.Service, mail mailer) *Service {
	var idx searchIndex
	if searchSvc != nil {
		idx = searchSvc
	}
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		blobs:    blobs,
		workflow: workflow,
		search:   idx,
		mail:     mail,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap creates the first super_admin when the users table is
// empty. Without it no one could issue invitations.
func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.store.CountUsers(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if s.cfg.BootstrapAdminPassword == "" {
		return fmt.Errorf("no users exist and CORPORA_BOOTSTRAP_ADMIN_PASSWORD is unset")
	}
	hash, err := authpw.HashPassword(s.cfg.BootstrapAdminPassword)
	if err != nil {
		return fmt.Errorf("bootstrap admin password: %w", err)
	}
	return s.store.CreateUser(ctx, store.User{
		ID:           util.NewID("usr"),
		Email:        s.cfg.BootstrapAdminEmail,
		DisplayName:  "Administrator",
		PasswordHash: hash,
		Role:         string(rbac.RoleSuperAdmin),
		IsActive:     true,
	})
}

func (s *Service) PingSessions(ctx context.Context) error {
	if s.sessions == nil {
		return nil
	}
	return s.sessions.Ping(ctx)
}

func (s *Service) SMTPConfigured() bool {
	return s.mail != nil && s.mail.IsConfigured()
}

// SetPasswordAuth wires the password service. Like the invite service
// it is built over the same store, after New.
func (s *Service) SetPasswordAuth(p passwordAuth) {
	s.passwords = p
}

// SignIn authenticates by email and password and issues a session.
// Inactive accounts fail exactly like bad credentials.
func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, errUnauthorized()
	}
	if !user.IsActive {
		return Session{}, errUnauthorized()
	}
	return s.issueSession(ctx, user)
}

// ChangePassword re-verifies the current password before rehashing.
func (s *Service) ChangePassword(ctx context.Context, session Session, current, next string) error {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return errUnauthorized()
	}
	err = s.passwords.ChangePassword(ctx, user.ID, user.Email, current, next)
	switch {
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return errUnauthorized()
	case errors.Is(err, authpw.ErrWeakPassword):
		return errValidation(err.Error())
	}
	return err
}

// CreateSession issues access and refresh tokens for an authenticated
// user. The caller has already verified credentials; only account
// status is checked here.
func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	if !user.IsActive {
		return Session{}, errUnauthorized()
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates the refresh token and issues a fresh access token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.Lookup(ctx, tokenHash)
	if err != nil {
		return Session{}, errUnauthorized()
	}
	if err := s.sessions.Revoke(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, errUnauthorized()
	}
	if !user.IsActive {
		return Session{}, errUnauthorized()
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewToken()
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.Save(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken validates the access token and reloads the user row
// so role changes and deactivation take effect on the next request,
// not the next sign-in.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if !user.IsActive {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.Revoke(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// Can resolves a single capability for a role.
func (s *Service) Can(role string, capability rbac.Capability) bool {
	return rbac.Can(rbac.Role(role), capability)
}

// Capabilities returns the full capability map for the session's role,
// recomputed per call.
func (s *Service) Capabilities(session Session) map[rbac.Capability]bool {
	return rbac.Capabilities(rbac.Role(session.Role))
}

// accessibleFolders computes the caller's visible folder ID set once
// per request. Search and chat pre-filter on it instead of evaluating
// the visibility predicate per candidate row.
func (s *Service) accessibleFolders(ctx context.Context, session Session) ([]string, error) {
	ids, err := s.store.AccessibleFolderIDs(ctx, session.viewer())
	if err != nil {
		return nil, fmt.Errorf("accessible folders: %w", err)
	}
	return ids, nil
}
