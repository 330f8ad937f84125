package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const invitationColumns = `id, email, role, token_hash, created_by, created_at, expires_at, accepted_at`

// InsertInvitation creates a pending invitation. It fails with
// ErrDuplicateEmail when an account owns the email, ErrDuplicateInvite
// when a pending unexpired invitation exists, and ErrDuplicateToken on
// a token hash collision (caller retries with a fresh token).
func (s *PostgresStore) InsertInvitation(ctx context.Context, invitation Invitation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin invitation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Serialize concurrent creates for the same email. The pending
	// check below cannot be a unique index because "pending" depends
	// on expires_at, so the check and the insert must not interleave.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext(LOWER($1)))`,
		invitation.Email); err != nil {
		return fmt.Errorf("lock invitation email: %w", err)
	}

	var emailTaken bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE LOWER(email)=LOWER($1))`,
		invitation.Email).Scan(&emailTaken); err != nil {
		return fmt.Errorf("check account email: %w", err)
	}
	if emailTaken {
		return ErrDuplicateEmail
	}

	var pending bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM invitations
			WHERE LOWER(email)=LOWER($1) AND accepted_at IS NULL AND expires_at > NOW()
		)
	`, invitation.Email).Scan(&pending); err != nil {
		return fmt.Errorf("check pending invitation: %w", err)
	}
	if pending {
		return ErrDuplicateInvite
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO invitations (id, email, role, token_hash, created_by, expires_at)
		VALUES ($1, LOWER($2), $3, $4, $5, $6)
	`, invitation.ID, invitation.Email, invitation.Role, invitation.TokenHash, invitation.CreatedBy, invitation.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateToken
		}
		return fmt.Errorf("insert invitation: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) GetInvitationByTokenHash(ctx context.Context, tokenHash string) (Invitation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+invitationColumns+` FROM invitations WHERE token_hash=$1`, tokenHash)
	return scanInvitation(row)
}

func (s *PostgresStore) GetInvitation(ctx context.Context, id string) (Invitation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+invitationColumns+` FROM invitations WHERE id=$1`, id)
	return scanInvitation(row)
}

func (s *PostgresStore) ListInvitations(ctx context.Context) ([]Invitation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+invitationColumns+` FROM invitations ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	defer rows.Close()

	var invitations []Invitation
	for rows.Next() {
		var inv Invitation
		if err := rows.Scan(&inv.ID, &inv.Email, &inv.Role, &inv.TokenHash, &inv.CreatedBy, &inv.CreatedAt, &inv.ExpiresAt, &inv.AcceptedAt); err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		invitations = append(invitations, inv)
	}
	return invitations, rows.Err()
}

// AcceptInvitation atomically claims the invitation and creates the
// account with the invitation's role. The claiming UPDATE only
// matches a pending, unexpired row, so under concurrent accepts
// exactly one transaction wins; losers see ErrInviteAlreadyAccepted
// or ErrInviteExpired depending on the row's state.
func (s *PostgresStore) AcceptInvitation(ctx context.Context, tokenHash string, user User) (Invitation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Invitation{}, fmt.Errorf("begin accept tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		UPDATE invitations
		SET accepted_at = NOW()
		WHERE token_hash = $1 AND accepted_at IS NULL AND expires_at > NOW()
		RETURNING `+invitationColumns,
		tokenHash)
	invitation, err := scanInvitation(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Claim missed: distinguish absent, accepted, and expired.
		row := tx.QueryRowContext(ctx,
			`SELECT `+invitationColumns+` FROM invitations WHERE token_hash=$1`, tokenHash)
		existing, lookupErr := scanInvitation(row)
		if lookupErr != nil {
			return Invitation{}, lookupErr
		}
		if existing.AcceptedAt != nil {
			return Invitation{}, ErrInviteAlreadyAccepted
		}
		return Invitation{}, ErrInviteExpired
	}
	if err != nil {
		return Invitation{}, fmt.Errorf("claim invitation: %w", err)
	}

	user.Email = invitation.Email
	user.Role = invitation.Role
	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, role, is_active)
		VALUES ($1, LOWER($2), $3, $4, $5, TRUE)
	`, user.ID, user.Email, user.DisplayName, user.PasswordHash, user.Role)
	if err != nil {
		if isUniqueViolation(err) {
			return Invitation{}, ErrDuplicateEmail
		}
		return Invitation{}, fmt.Errorf("create invited user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Invitation{}, fmt.Errorf("commit accept tx: %w", err)
	}
	return invitation, nil
}

func (s *PostgresStore) DeleteInvitation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM invitations WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete invitation: %w", err)
	}
	return oneRowAffected(result)
}

func scanInvitation(row *sql.Row) (Invitation, error) {
	var inv Invitation
	err := row.Scan(
		&inv.ID,
		&inv.Email,
		&inv.Role,
		&inv.TokenHash,
		&inv.CreatedBy,
		&inv.CreatedAt,
		&inv.ExpiresAt,
		&inv.AcceptedAt,
	)
	return inv, err
}
