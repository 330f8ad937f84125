package store

import (
	"context"
	"database/sql"
	"fmt"
)

// folderVisibleClause is the authoritative visibility predicate. It
// reads only the candidate folder row's own columns plus an EXISTS
// lookup into folder_grants, never a correlated subquery against
// folders itself. A viewer whose role is empty or unrecognized sees
// nothing, including folders they created, matching rbac.CanViewFolder.
// Placeholders: $1 = viewer user ID, $2 = viewer role.
const folderVisibleClause = `(
	$2 IN ('reader', 'editor', 'admin', 'super_admin')
	AND (
		f.creator_id = $1
		OR $2 = 'super_admin'
		OR f.visibility = 'team'
		OR (f.visibility = 'private' AND f.creator_id = $1)
		OR (f.visibility = 'custom' AND EXISTS (
			SELECT 1 FROM folder_grants g WHERE g.folder_id = f.id AND g.user_id = $1
		))
	)
)`

const folderColumns = `f.id, f.name, f.creator_id, f.owner_id, f.visibility, f.created_at, f.updated_at`

func (s *PostgresStore) InsertFolder(ctx context.Context, folder Folder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folders (id, name, creator_id, owner_id, visibility)
		VALUES ($1, $2, $3, $4, $5)
	`, folder.ID, folder.Name, folder.CreatorID, folder.OwnerID, folder.Visibility)
	if err != nil {
		return fmt.Errorf("insert folder: %w", err)
	}
	return nil
}

// GetFolderVisible loads a folder only if the viewer may see it.
// Hidden and nonexistent folders are indistinguishable: both return
// sql.ErrNoRows.
func (s *PostgresStore) GetFolderVisible(ctx context.Context, viewer Viewer, folderID string) (Folder, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+folderColumns+`
		FROM folders f
		WHERE f.id = $3 AND `+folderVisibleClause,
		viewer.UserID, viewer.Role, folderID)
	return scanFolder(row)
}

func (s *PostgresStore) ListFoldersVisible(ctx context.Context, viewer Viewer) ([]Folder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+folderColumns+`
		FROM folders f
		WHERE `+folderVisibleClause+`
		ORDER BY f.name`,
		viewer.UserID, viewer.Role)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()
	return collectFolders(rows)
}

// AccessibleFolderIDs precomputes the viewer's visible folder set so
// per-row filters (search, document listings) never re-evaluate the
// policy per candidate row.
func (s *PostgresStore) AccessibleFolderIDs(ctx context.Context, viewer Viewer) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id FROM folders f WHERE `+folderVisibleClause,
		viewer.UserID, viewer.Role)
	if err != nil {
		return nil, fmt.Errorf("accessible folder ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan folder id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) RenameFolder(ctx context.Context, folderID, name string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE folders SET name=$2, updated_at=NOW() WHERE id=$1`, folderID, name)
	if err != nil {
		return fmt.Errorf("rename folder: %w", err)
	}
	return oneRowAffected(result)
}

// SetFolderVisibility updates the visibility level. Leaving custom
// clears the grant list in the same transaction so a later return to
// custom starts empty rather than silently reactivating stale grants.
func (s *PostgresStore) SetFolderVisibility(ctx context.Context, folderID, visibility string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin visibility tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `UPDATE folders SET visibility=$2, updated_at=NOW() WHERE id=$1`, folderID, visibility)
	if err != nil {
		return fmt.Errorf("set folder visibility: %w", err)
	}
	if err := oneRowAffected(result); err != nil {
		return err
	}
	if visibility != "custom" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM folder_grants WHERE folder_id=$1`, folderID); err != nil {
			return fmt.Errorf("clear folder grants: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteFolderCascade removes the folder, its grants, and detaches
// its documents in one transaction. No reader observes a document
// pointing at a deleted folder or a grant without its folder.
func (s *PostgresStore) DeleteFolderCascade(ctx context.Context, folderID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM folder_grants WHERE folder_id=$1`, folderID); err != nil {
		return fmt.Errorf("delete folder grants: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE documents SET folder_id=NULL, updated_at=NOW() WHERE folder_id=$1`, folderID); err != nil {
		return fmt.Errorf("detach documents: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM folders WHERE id=$1`, folderID)
	if err != nil {
		return fmt.Errorf("delete folder: %w", err)
	}
	if err := oneRowAffected(result); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) InsertFolderGrant(ctx context.Context, grant FolderGrant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folder_grants (id, folder_id, user_id, granted_by)
		VALUES ($1, $2, $3, $4)
	`, grant.ID, grant.FolderID, grant.UserID, grant.GrantedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateGrant
		}
		return fmt.Errorf("insert folder grant: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteFolderGrant(ctx context.Context, folderID, userID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM folder_grants WHERE folder_id=$1 AND user_id=$2`, folderID, userID)
	if err != nil {
		return fmt.Errorf("delete folder grant: %w", err)
	}
	return oneRowAffected(result)
}

func (s *PostgresStore) ListFolderGrants(ctx context.Context, folderID string) ([]FolderGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, folder_id, user_id, granted_by, granted_at
		FROM folder_grants
		WHERE folder_id=$1
		ORDER BY granted_at
	`, folderID)
	if err != nil {
		return nil, fmt.Errorf("list folder grants: %w", err)
	}
	defer rows.Close()

	var grants []FolderGrant
	for rows.Next() {
		var grant FolderGrant
		if err := rows.Scan(&grant.ID, &grant.FolderID, &grant.UserID, &grant.GrantedBy, &grant.GrantedAt); err != nil {
			return nil, fmt.Errorf("scan folder grant: %w", err)
		}
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

func (s *PostgresStore) HasFolderGrant(ctx context.Context, folderID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM folder_grants WHERE folder_id=$1 AND user_id=$2)`, folderID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check folder grant: %w", err)
	}
	return exists, nil
}

func scanFolder(row *sql.Row) (Folder, error) {
	var folder Folder
	err := row.Scan(
		&folder.ID,
		&folder.Name,
		&folder.CreatorID,
		&folder.OwnerID,
		&folder.Visibility,
		&folder.CreatedAt,
		&folder.UpdatedAt,
	)
	return folder, err
}

func collectFolders(rows *sql.Rows) ([]Folder, error) {
	var folders []Folder
	for rows.Next() {
		var folder Folder
		if err := rows.Scan(
			&folder.ID,
			&folder.Name,
			&folder.CreatorID,
			&folder.OwnerID,
			&folder.Visibility,
			&folder.CreatedAt,
			&folder.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		folders = append(folders, folder)
	}
	return folders, rows.Err()
}
