package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"corpora/api/internal/ingest"
	"corpora/api/internal/rbac"
	"corpora/api/internal/search"
	"corpora/api/internal/store"
	"corpora/api/internal/util"
)

// DocumentPayload is the wire shape for a document.
type DocumentPayload struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	FolderID     *string   `json:"folderId"`
	FileName     string    `json:"fileName"`
	ContentType  string    `json:"contentType"`
	SizeBytes    int64     `json:"sizeBytes"`
	IngestStatus string    `json:"ingestStatus"`
	UploadedBy   string    `json:"uploadedBy"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func documentPayload(d store.Document) DocumentPayload {
	return DocumentPayload{
		ID:           d.ID,
		Name:         d.Name,
		FolderID:     d.FolderID,
		FileName:     d.FileName,
		ContentType:  d.ContentType,
		SizeBytes:    d.SizeBytes,
		IngestStatus: d.IngestStatus,
		UploadedBy:   d.UploadedBy,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

// UploadDocument streams the file into object storage, records the
// metadata row, and notifies the ingest workflow. A workflow outage
// leaves the document pending rather than failing the upload.
func (s *Service) UploadDocument(ctx context.Context, session Session, name, fileName, contentType string, size int64, file io.Reader, folderID *string) (DocumentPayload, error) {
	if !s.Can(session.Role, rbac.CapUploadDocuments) {
		return DocumentPayload{}, errForbidden()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = strings.TrimSpace(fileName)
	}
	if name == "" {
		return DocumentPayload{}, errValidation("name is required")
	}
	if size <= 0 {
		return DocumentPayload{}, errValidation("file is empty")
	}
	if folderID != nil {
		if _, err := s.store.GetFolderVisible(ctx, session.viewer(), *folderID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return DocumentPayload{}, errNotFound()
			}
			return DocumentPayload{}, err
		}
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	doc := store.Document{
		ID:           util.NewID("doc"),
		Name:         name,
		FolderID:     folderID,
		FileName:     fileName,
		ContentType:  contentType,
		SizeBytes:    size,
		IngestStatus: store.IngestPending,
		UploadedBy:   session.UserID,
	}
	doc.ObjectKey = fmt.Sprintf("documents/%s/%s", doc.ID, fileName)

	if err := s.blobs.Put(ctx, doc.ObjectKey, file, size, contentType); err != nil {
		return DocumentPayload{}, fmt.Errorf("store file: %w", err)
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		_ = s.blobs.Remove(ctx, doc.ObjectKey)
		return DocumentPayload{}, err
	}

	s.indexDocument(doc)
	s.notifyUpload(ctx, doc)
	return documentPayload(doc), nil
}

func (s *Service) notifyUpload(ctx context.Context, doc store.Document) {
	if s.workflow == nil || !s.workflow.Configured() {
		return
	}
	downloadURL, err := s.blobs.PresignedGetURL(ctx, doc.ObjectKey, time.Hour)
	if err != nil {
		log.Printf("documents: presign %s: %v", doc.ID, err)
		return
	}
	if err := s.workflow.NotifyUpload(ctx, doc.ID, doc.FileName, doc.ContentType, downloadURL); err != nil {
		// Ingest will be retried out of band; the upload stands.
		log.Printf("documents: notify upload %s: %v", doc.ID, err)
	}
}

func (s *Service) ListDocuments(ctx context.Context, session Session, folderID string) ([]DocumentPayload, error) {
	docs, err := s.store.ListDocumentsVisible(ctx, session.viewer(), folderID)
	if err != nil {
		return nil, err
	}
	payload := make([]DocumentPayload, 0, len(docs))
	for _, d := range docs {
		payload = append(payload, documentPayload(d))
	}
	return payload, nil
}

func (s *Service) GetDocument(ctx context.Context, session Session, documentID string) (DocumentPayload, error) {
	doc, err := s.store.GetDocumentVisible(ctx, session.viewer(), documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentPayload{}, errNotFound()
	}
	if err != nil {
		return DocumentPayload{}, err
	}
	return documentPayload(doc), nil
}

// OpenDocument returns the stored file for download, visibility
// checked first.
func (s *Service) OpenDocument(ctx context.Context, session Session, documentID string) (DocumentPayload, io.ReadCloser, error) {
	doc, err := s.store.GetDocumentVisible(ctx, session.viewer(), documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentPayload{}, nil, errNotFound()
	}
	if err != nil {
		return DocumentPayload{}, nil, err
	}
	reader, err := s.blobs.Get(ctx, doc.ObjectKey)
	if err != nil {
		return DocumentPayload{}, nil, err
	}
	return documentPayload(doc), reader, nil
}

func (s *Service) RenameDocument(ctx context.Context, session Session, documentID, name string) (DocumentPayload, error) {
	if !s.Can(session.Role, rbac.CapMoveDocuments) {
		return DocumentPayload{}, errForbidden()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return DocumentPayload{}, errValidation("name is required")
	}
	doc, err := s.store.GetDocumentVisible(ctx, session.viewer(), documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentPayload{}, errNotFound()
	}
	if err != nil {
		return DocumentPayload{}, err
	}
	if err := s.store.RenameDocument(ctx, documentID, name); err != nil {
		return DocumentPayload{}, err
	}
	doc.Name = name
	s.indexDocument(doc)
	return documentPayload(doc), nil
}

// MoveDocument relocates a document. The caller must see both the
// document and the destination folder; a nil folderID unfiles it.
func (s *Service) MoveDocument(ctx context.Context, session Session, documentID string, folderID *string) (DocumentPayload, error) {
	if !s.Can(session.Role, rbac.CapMoveDocuments) {
		return DocumentPayload{}, errForbidden()
	}
	doc, err := s.store.GetDocumentVisible(ctx, session.viewer(), documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentPayload{}, errNotFound()
	}
	if err != nil {
		return DocumentPayload{}, err
	}
	if folderID != nil {
		if _, err := s.store.GetFolderVisible(ctx, session.viewer(), *folderID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return DocumentPayload{}, errNotFound()
			}
			return DocumentPayload{}, err
		}
	}
	if err := s.store.MoveDocument(ctx, documentID, folderID); err != nil {
		return DocumentPayload{}, err
	}
	doc.FolderID = folderID
	s.indexDocument(doc)
	return documentPayload(doc), nil
}

// DeleteDocument removes the row, the stored object, and the ingest
// engine's copy.
func (s *Service) DeleteDocument(ctx context.Context, session Session, documentID string) error {
	if !s.Can(session.Role, rbac.CapDeleteDocuments) {
		return errForbidden()
	}
	doc, err := s.store.GetDocumentVisible(ctx, session.viewer(), documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return errNotFound()
	}
	if err != nil {
		return err
	}
	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	if err := s.blobs.Remove(ctx, doc.ObjectKey); err != nil {
		log.Printf("documents: remove object %s: %v", doc.ObjectKey, err)
	}
	if s.search != nil {
		s.search.DeleteDocument(documentID)
	}
	if s.workflow != nil && s.workflow.Configured() {
		if err := s.workflow.NotifyDelete(ctx, documentID); err != nil {
			log.Printf("documents: notify delete %s: %v", documentID, err)
		}
	}
	return nil
}

// SetIngestStatus is called by the workflow engine's status callback.
func (s *Service) SetIngestStatus(ctx context.Context, documentID, status string) error {
	switch status {
	case store.IngestPending, store.IngestIndexed, store.IngestFailed, store.IngestRemoving:
	default:
		return errValidation("unknown ingest status")
	}
	err := s.store.SetDocumentIngestStatus(ctx, documentID, status)
	if errors.Is(err, sql.ErrNoRows) {
		return errNotFound()
	}
	return err
}

// Search queries document and folder metadata, restricted to the
// caller's accessible folder set.
func (s *Service) Search(ctx context.Context, session Session, text, filterType, folderID string, limit, offset int) (search.Response, error) {
	accessible, err := s.accessibleFolders(ctx, session)
	if err != nil {
		return search.Response{}, err
	}
	q := search.Query{
		Text:              text,
		FilterType:        search.ResultType(filterType),
		FilterFolderID:    folderID,
		Limit:             limit,
		Offset:            offset,
		AccessibleFolders: accessible,
		IncludeUnfiled:    true,
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(ctx, q), nil
}

func (s *Service) indexDocument(doc store.Document) {
	if s.search == nil {
		return
	}
	folderID := ""
	if doc.FolderID != nil {
		folderID = *doc.FolderID
	}
	s.search.IndexDocument(search.DocumentRecord{
		ID:           doc.ID,
		Name:         doc.Name,
		FileName:     doc.FileName,
		FolderID:     folderID,
		IngestStatus: doc.IngestStatus,
	})
}

// workflowUnavailable maps the relay's sentinel onto the retryable
// upstream error.
func workflowUnavailable(err error) error {
	if errors.Is(err, ingest.ErrUnavailable) {
		return domainError(503, "UPSTREAM_UNAVAILABLE", "Assistant temporarily unavailable", nil)
	}
	return err
}
