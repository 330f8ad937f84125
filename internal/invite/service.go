// Package invite implements the invitation lifecycle: create, resolve,
// accept, revoke. An invitation is the only way a new account enters
// the system.
package invite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"corpora/api/internal/auth"
	"corpora/api/internal/authpw"
	"corpora/api/internal/email"
	"corpora/api/internal/rbac"
	"corpora/api/internal/store"
	"corpora/api/internal/util"
)

var (
	ErrNotFound        = errors.New("invitation not found")
	ErrAlreadyAccepted = errors.New("invitation already accepted")
	ErrExpired         = errors.New("invitation expired")
	ErrEmailTaken      = errors.New("an account with this email already exists")
	ErrPendingExists   = errors.New("a pending invitation for this email already exists")
	ErrInvalidRole     = errors.New("role cannot be assigned by invitation")
	ErrInvalidEmail    = errors.New("a valid email address is required")
)

// Store is the persistence surface the invitation service needs.
type Store interface {
	InsertInvitation(ctx context.Context, invitation store.Invitation) error
	GetInvitationByTokenHash(ctx context.Context, tokenHash string) (store.Invitation, error)
	GetInvitation(ctx context.Context, id string) (store.Invitation, error)
	ListInvitations(ctx context.Context) ([]store.Invitation, error)
	AcceptInvitation(ctx context.Context, tokenHash string, user store.User) (store.Invitation, error)
	DeleteInvitation(ctx context.Context, id string) error
}

// Mailer sends the invitation email. May be nil when SMTP is not
// configured; creation still succeeds and the token is returned to the
// inviter for manual delivery.
type Mailer interface {
	IsConfigured() bool
	SendInvitation(inv email.InvitationEmail) error
}

type Service struct {
	store   Store
	mailer  Mailer
	ttl     time.Duration
	baseURL string
}

func NewService(st Store, mailer Mailer, ttl time.Duration, baseURL string) *Service {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Service{store: st, mailer: mailer, ttl: ttl, baseURL: strings.TrimRight(baseURL, "/")}
}

// Created is returned from Create. Token is the plaintext invitation
// token; it is never stored and this is the only time it is visible.
type Created struct {
	Invitation store.Invitation
	Token      string
}

// Create issues an invitation for email with the given role. Only
// assignable roles are accepted; super_admin can never be granted by
// invitation.
func (s *Service) Create(ctx context.Context, inviteEmail, role, createdBy string) (*Created, error) {
	inviteEmail = strings.TrimSpace(strings.ToLower(inviteEmail))
	if inviteEmail == "" || !strings.Contains(inviteEmail, "@") {
		return nil, ErrInvalidEmail
	}
	if !rbac.Assignable(rbac.Role(role)) {
		return nil, ErrInvalidRole
	}

	// Retry on the astronomically unlikely token hash collision.
	for attempt := 0; attempt < 3; attempt++ {
		token := util.NewToken()
		invitation := store.Invitation{
			ID:        util.NewID("inv"),
			Email:     inviteEmail,
			Role:      role,
			TokenHash: auth.HashToken(token),
			CreatedBy: createdBy,
			ExpiresAt: time.Now().Add(s.ttl),
		}

		err := s.store.InsertInvitation(ctx, invitation)
		if errors.Is(err, store.ErrDuplicateToken) {
			continue
		}
		if errors.Is(err, store.ErrDuplicateEmail) {
			return nil, ErrEmailTaken
		}
		if errors.Is(err, store.ErrDuplicateInvite) {
			return nil, ErrPendingExists
		}
		if err != nil {
			return nil, fmt.Errorf("create invitation: %w", err)
		}

		s.sendMail(invitation, token)
		return &Created{Invitation: invitation, Token: token}, nil
	}
	return nil, fmt.Errorf("create invitation: token collision persisted")
}

func (s *Service) sendMail(invitation store.Invitation, token string) {
	if s.mailer == nil || !s.mailer.IsConfigured() {
		return
	}
	days := int(time.Until(invitation.ExpiresAt).Round(24*time.Hour) / (24 * time.Hour))
	if days < 1 {
		days = 1
	}
	err := s.mailer.SendInvitation(email.InvitationEmail{
		To:            invitation.Email,
		Role:          invitation.Role,
		AcceptURL:     fmt.Sprintf("%s/invite/%s", s.baseURL, token),
		ExpiresInDays: days,
	})
	if err != nil {
		log.Printf("invite: send email to %s: %v", invitation.Email, err)
	}
}

// Resolve looks up an invitation by its plaintext token so the accept
// page can show the email and role before the user picks a password.
func (s *Service) Resolve(ctx context.Context, token string) (store.Invitation, error) {
	invitation, err := s.store.GetInvitationByTokenHash(ctx, auth.HashToken(token))
	if err != nil {
		return store.Invitation{}, ErrNotFound
	}
	if invitation.AcceptedAt != nil {
		return store.Invitation{}, ErrAlreadyAccepted
	}
	if time.Now().After(invitation.ExpiresAt) {
		return store.Invitation{}, ErrExpired
	}
	return invitation, nil
}

// Accept claims the invitation and creates the account. The account's
// email and role come from the invitation, never from the request.
func (s *Service) Accept(ctx context.Context, token, displayName, password string) (store.User, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return store.User{}, errors.New("display name is required")
	}
	hash, err := authpw.HashPassword(password)
	if err != nil {
		return store.User{}, err
	}

	user := store.User{
		ID:           util.NewID("usr"),
		DisplayName:  displayName,
		PasswordHash: hash,
		IsActive:     true,
	}
	invitation, err := s.store.AcceptInvitation(ctx, auth.HashToken(token), user)
	switch {
	case errors.Is(err, store.ErrInviteAlreadyAccepted):
		return store.User{}, ErrAlreadyAccepted
	case errors.Is(err, store.ErrInviteExpired):
		return store.User{}, ErrExpired
	case errors.Is(err, store.ErrDuplicateEmail):
		return store.User{}, ErrEmailTaken
	case err != nil:
		if isNoRows(err) {
			return store.User{}, ErrNotFound
		}
		return store.User{}, fmt.Errorf("accept invitation: %w", err)
	}

	user.Email = invitation.Email
	user.Role = invitation.Role
	return user, nil
}

// Revoke deletes a pending invitation. Accepted invitations are kept
// for the audit trail and cannot be revoked.
func (s *Service) Revoke(ctx context.Context, id string) error {
	invitation, err := s.store.GetInvitation(ctx, id)
	if err != nil {
		if isNoRows(err) {
			return ErrNotFound
		}
		return fmt.Errorf("load invitation: %w", err)
	}
	if invitation.AcceptedAt != nil {
		return ErrAlreadyAccepted
	}
	if err := s.store.DeleteInvitation(ctx, id); err != nil {
		if isNoRows(err) {
			return ErrNotFound
		}
		return fmt.Errorf("revoke invitation: %w", err)
	}
	return nil
}

// List returns all invitations, newest first.
func (s *Service) List(ctx context.Context) ([]store.Invitation, error) {
	return s.store.ListInvitations(ctx)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
