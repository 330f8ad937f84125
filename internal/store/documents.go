package store

import (
	"context"
	"database/sql"
	"fmt"
)

const documentColumns = `d.id, d.name, d.folder_id, d.file_name, d.object_key, d.content_type, d.size_bytes, d.ingest_status, d.uploaded_by, d.created_at, d.updated_at`

// documentVisibleClause: a document is visible when it has no folder
// or when its folder passes the folder visibility predicate. The
// folder join evaluates folder columns directly; only the grants
// table is consulted for the custom case. Unfiled documents still
// require the viewer to hold a recognized role.
const documentVisibleClause = `(
	$2 IN ('reader', 'editor', 'admin', 'super_admin')
	AND (
		d.folder_id IS NULL
		OR EXISTS (
			SELECT 1 FROM folders f
			WHERE f.id = d.folder_id AND ` + folderVisibleClause + `
		)
	)
)`

func (s *PostgresStore) InsertDocument(ctx context.Context, doc Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, name, folder_id, file_name, object_key, content_type, size_bytes, ingest_status, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, doc.ID, doc.Name, doc.FolderID, doc.FileName, doc.ObjectKey, doc.ContentType, doc.SizeBytes, doc.IngestStatus, doc.UploadedBy)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetDocumentVisible loads a document only if the viewer can see the
// folder it lives in. Hidden and absent are both sql.ErrNoRows.
func (s *PostgresStore) GetDocumentVisible(ctx context.Context, viewer Viewer, documentID string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents d
		WHERE d.id = $3 AND `+documentVisibleClause,
		viewer.UserID, viewer.Role, documentID)
	return scanDocument(row)
}

// ListDocumentsVisible returns the viewer's documents, optionally
// restricted to one folder.
func (s *PostgresStore) ListDocumentsVisible(ctx context.Context, viewer Viewer, folderID string) ([]Document, error) {
	query := `
		SELECT ` + documentColumns + `
		FROM documents d
		WHERE ` + documentVisibleClause
	args := []any{viewer.UserID, viewer.Role}
	if folderID != "" {
		query += ` AND d.folder_id = $3`
		args = append(args, folderID)
	}
	query += ` ORDER BY d.name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocumentRows(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *PostgresStore) RenameDocument(ctx context.Context, documentID, name string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE documents SET name=$2, updated_at=NOW() WHERE id=$1`, documentID, name)
	if err != nil {
		return fmt.Errorf("rename document: %w", err)
	}
	return oneRowAffected(result)
}

// MoveDocument reassigns the folder reference; folderID nil detaches.
func (s *PostgresStore) MoveDocument(ctx context.Context, documentID string, folderID *string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE documents SET folder_id=$2, updated_at=NOW() WHERE id=$1`, documentID, folderID)
	if err != nil {
		return fmt.Errorf("move document: %w", err)
	}
	return oneRowAffected(result)
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return oneRowAffected(result)
}

func (s *PostgresStore) SetDocumentIngestStatus(ctx context.Context, documentID, status string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE documents SET ingest_status=$2, updated_at=NOW() WHERE id=$1`, documentID, status)
	if err != nil {
		return fmt.Errorf("set ingest status: %w", err)
	}
	return oneRowAffected(result)
}

func scanDocument(row *sql.Row) (Document, error) {
	var doc Document
	err := row.Scan(
		&doc.ID,
		&doc.Name,
		&doc.FolderID,
		&doc.FileName,
		&doc.ObjectKey,
		&doc.ContentType,
		&doc.SizeBytes,
		&doc.IngestStatus,
		&doc.UploadedBy,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	return doc, err
}

func scanDocumentRows(rows *sql.Rows) (Document, error) {
	var doc Document
	err := rows.Scan(
		&doc.ID,
		&doc.Name,
		&doc.FolderID,
		&doc.FileName,
		&doc.ObjectKey,
		&doc.ContentType,
		&doc.SizeBytes,
		&doc.IngestStatus,
		&doc.UploadedBy,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	if err != nil {
		return Document{}, fmt.Errorf("scan document: %w", err)
	}
	return doc, nil
}
