package app

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"corpora/api/internal/authpw"
	"corpora/api/internal/invite"
	"corpora/api/internal/rbac"
	"corpora/api/internal/store"
)

// UserPayload is the wire shape for a user. Role comes back empty when
// no role is assigned.
type UserPayload struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	Role        string    `json:"role"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
}

func userPayload(u store.User) UserPayload {
	return UserPayload{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Role:        u.Role,
		IsActive:    u.IsActive,
		CreatedAt:   u.CreatedAt,
	}
}

func (s *Service) ListUsers(ctx context.Context, session Session) ([]UserPayload, error) {
	if !s.Can(session.Role, rbac.CapViewUsers) {
		return nil, errForbidden()
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	payload := make([]UserPayload, 0, len(users))
	for _, u := range users {
		payload = append(payload, userPayload(u))
	}
	return payload, nil
}

// SetUserRole reassigns a user's role. Demoting the last active
// super_admin is rejected so the system cannot lock itself out.
func (s *Service) SetUserRole(ctx context.Context, session Session, userID, role string) (UserPayload, error) {
	if !s.Can(session.Role, rbac.CapManageUsers) {
		return UserPayload{}, errForbidden()
	}
	normalized := rbac.Normalize(role)
	if role != "" && normalized == rbac.RoleNone {
		return UserPayload{}, errValidation("unknown role")
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return UserPayload{}, errNotFound()
	}
	if err != nil {
		return UserPayload{}, err
	}

	if user.Role == string(rbac.RoleSuperAdmin) && normalized != rbac.RoleSuperAdmin && user.IsActive {
		count, err := s.store.CountActiveSuperAdmins(ctx)
		if err != nil {
			return UserPayload{}, err
		}
		if count <= 1 {
			return UserPayload{}, errConflict("cannot demote the last super admin")
		}
	}

	if err := s.store.SetUserRole(ctx, userID, string(normalized)); err != nil {
		return UserPayload{}, err
	}
	user.Role = string(normalized)
	return userPayload(user), nil
}

// SetUserActive deactivates or reactivates an account. Deactivating
// the last active super_admin is rejected.
func (s *Service) SetUserActive(ctx context.Context, session Session, userID string, active bool) (UserPayload, error) {
	if !s.Can(session.Role, rbac.CapManageUsers) {
		return UserPayload{}, errForbidden()
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return UserPayload{}, errNotFound()
	}
	if err != nil {
		return UserPayload{}, err
	}

	if !active && user.IsActive && user.Role == string(rbac.RoleSuperAdmin) {
		count, err := s.store.CountActiveSuperAdmins(ctx)
		if err != nil {
			return UserPayload{}, err
		}
		if count <= 1 {
			return UserPayload{}, errConflict("cannot deactivate the last super admin")
		}
	}

	if err := s.store.SetUserActive(ctx, userID, active); err != nil {
		return UserPayload{}, err
	}
	user.IsActive = active
	return userPayload(user), nil
}

// InvitationPayload is the wire shape for an invitation. The token is
// included only in the creation response, and only as a dev bypass
// when SMTP is unconfigured.
type InvitationPayload struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	Role       string     `json:"role"`
	Status     string     `json:"status"`
	CreatedBy  string     `json:"createdBy"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	AcceptedAt *time.Time `json:"acceptedAt,omitempty"`
}

func invitationPayload(inv store.Invitation) InvitationPayload {
	status := "pending"
	switch {
	case inv.AcceptedAt != nil:
		status = "accepted"
	case time.Now().After(inv.ExpiresAt):
		status = "expired"
	}
	return InvitationPayload{
		ID:         inv.ID,
		Email:      inv.Email,
		Role:       inv.Role,
		Status:     status,
		CreatedBy:  inv.CreatedBy,
		CreatedAt:  inv.CreatedAt,
		ExpiresAt:  inv.ExpiresAt,
		AcceptedAt: inv.AcceptedAt,
	}
}

// inviteManager is satisfied by *invite.Service.
type inviteManager interface {
	Create(ctx context.Context, email, role, createdBy string) (*invite.Created, error)
	Resolve(ctx context.Context, token string) (store.Invitation, error)
	Accept(ctx context.Context, token, displayName, password string) (store.User, error)
	Revoke(ctx context.Context, id string) error
	List(ctx context.Context) ([]store.Invitation, error)
}

// SetInviteManager wires the invitation service. Kept separate from
// New because the invite service is built over the same store.
func (s *Service) SetInviteManager(m inviteManager) {
	s.invites = m
}

func (s *Service) CreateInvitation(ctx context.Context, session Session, email, role string) (InvitationPayload, string, error) {
	if !s.Can(session.Role, rbac.CapManageUsers) {
		return InvitationPayload{}, "", errForbidden()
	}
	created, err := s.invites.Create(ctx, email, role, session.UserID)
	switch {
	case errors.Is(err, invite.ErrInvalidEmail), errors.Is(err, invite.ErrInvalidRole):
		return InvitationPayload{}, "", errValidation(err.Error())
	case errors.Is(err, invite.ErrEmailTaken), errors.Is(err, invite.ErrPendingExists):
		return InvitationPayload{}, "", errConflict(err.Error())
	case err != nil:
		return InvitationPayload{}, "", err
	}

	devToken := ""
	if !s.SMTPConfigured() {
		devToken = created.Token
	}
	return invitationPayload(created.Invitation), devToken, nil
}

func (s *Service) ListInvitations(ctx context.Context, session Session) ([]InvitationPayload, error) {
	if !s.Can(session.Role, rbac.CapManageUsers) {
		return nil, errForbidden()
	}
	invitations, err := s.invites.List(ctx)
	if err != nil {
		return nil, err
	}
	payload := make([]InvitationPayload, 0, len(invitations))
	for _, inv := range invitations {
		payload = append(payload, invitationPayload(inv))
	}
	return payload, nil
}

func (s *Service) RevokeInvitation(ctx context.Context, session Session, id string) error {
	if !s.Can(session.Role, rbac.CapManageUsers) {
		return errForbidden()
	}
	err := s.invites.Revoke(ctx, id)
	switch {
	case errors.Is(err, invite.ErrNotFound):
		return errNotFound()
	case errors.Is(err, invite.ErrAlreadyAccepted):
		return domainError(409, "ALREADY_ACCEPTED", "Invitation already accepted", nil)
	}
	return err
}

// ResolveInvitation is unauthenticated; it powers the acceptance form.
func (s *Service) ResolveInvitation(ctx context.Context, token string) (map[string]any, error) {
	inv, err := s.invites.Resolve(ctx, token)
	if err != nil {
		return nil, mapInviteError(err)
	}
	return map[string]any{
		"email":     inv.Email,
		"role":      inv.Role,
		"expiresAt": inv.ExpiresAt,
	}, nil
}

// AcceptInvitation is unauthenticated; on success it signs the new
// account in.
func (s *Service) AcceptInvitation(ctx context.Context, token, displayName, password string) (Session, error) {
	user, err := s.invites.Accept(ctx, token, displayName, password)
	if err != nil {
		return Session{}, mapInviteError(err)
	}
	return s.issueSession(ctx, user)
}

func mapInviteError(err error) error {
	switch {
	case errors.Is(err, invite.ErrNotFound):
		return errNotFound()
	case errors.Is(err, invite.ErrAlreadyAccepted):
		return domainError(409, "ALREADY_ACCEPTED", "Invitation already accepted", nil)
	case errors.Is(err, invite.ErrExpired):
		return domainError(410, "EXPIRED", "Invitation expired", nil)
	case errors.Is(err, invite.ErrEmailTaken):
		return errConflict("an account with this email already exists")
	case errors.Is(err, authpw.ErrWeakPassword):
		return errValidation(err.Error())
	default:
		return err
	}
}
