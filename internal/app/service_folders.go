package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"corpora/api/internal/rbac"
	"corpora/api/internal/search"
	"corpora/api/internal/store"
	"corpora/api/internal/util"
)

// FolderPayload is the wire shape for a folder.
type FolderPayload struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CreatorID  string    `json:"creatorId"`
	Visibility string    `json:"visibility"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type GrantPayload struct {
	UserID    string    `json:"userId"`
	GrantedBy string    `json:"grantedBy"`
	GrantedAt time.Time `json:"grantedAt"`
}

func folderPayload(f store.Folder) FolderPayload {
	return FolderPayload{
		ID:         f.ID,
		Name:       f.Name,
		CreatorID:  f.CreatorID,
		Visibility: f.Visibility,
		CreatedAt:  f.CreatedAt,
		UpdatedAt:  f.UpdatedAt,
	}
}

func (s *Service) CreateFolder(ctx context.Context, session Session, name, visibility string) (FolderPayload, error) {
	if !s.Can(session.Role, rbac.CapCreateFolders) {
		return FolderPayload{}, errForbidden()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return FolderPayload{}, errValidation("name is required")
	}
	vis, ok := parseVisibility(visibility)
	if !ok {
		return FolderPayload{}, errValidation("visibility must be private, team, or custom")
	}

	folder := store.Folder{
		ID:         util.NewID("fld"),
		Name:       name,
		CreatorID:  session.UserID,
		OwnerID:    session.UserID,
		Visibility: string(vis),
	}
	if err := s.store.InsertFolder(ctx, folder); err != nil {
		return FolderPayload{}, err
	}
	s.indexFolder(folder)
	return folderPayload(folder), nil
}

func (s *Service) ListFolders(ctx context.Context, session Session) ([]FolderPayload, error) {
	folders, err := s.store.ListFoldersVisible(ctx, session.viewer())
	if err != nil {
		return nil, err
	}
	payload := make([]FolderPayload, 0, len(folders))
	for _, f := range folders {
		payload = append(payload, folderPayload(f))
	}
	return payload, nil
}

// GetFolder returns NotFound for both missing and hidden folders.
func (s *Service) GetFolder(ctx context.Context, session Session, folderID string) (FolderPayload, error) {
	folder, err := s.store.GetFolderVisible(ctx, session.viewer(), folderID)
	if errors.Is(err, sql.ErrNoRows) {
		return FolderPayload{}, errNotFound()
	}
	if err != nil {
		return FolderPayload{}, err
	}
	return folderPayload(folder), nil
}

func (s *Service) RenameFolder(ctx context.Context, session Session, folderID, name string) (FolderPayload, error) {
	if !s.Can(session.Role, rbac.CapCreateFolders) {
		return FolderPayload{}, errForbidden()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return FolderPayload{}, errValidation("name is required")
	}

	folder, err := s.store.GetFolderVisible(ctx, session.viewer(), folderID)
	if errors.Is(err, sql.ErrNoRows) {
		return FolderPayload{}, errNotFound()
	}
	if err != nil {
		return FolderPayload{}, err
	}

	if err := s.store.RenameFolder(ctx, folderID, name); err != nil {
		return FolderPayload{}, err
	}
	folder.Name = name
	s.indexFolder(folder)
	return folderPayload(folder), nil
}

func (s *Service) DeleteFolder(ctx context.Context, session Session, folderID string) error {
	if !s.Can(session.Role, rbac.CapDeleteFolders) {
		return errForbidden()
	}
	if _, err := s.store.GetFolderVisible(ctx, session.viewer(), folderID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound()
		}
		return err
	}
	if err := s.store.DeleteFolderCascade(ctx, folderID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteFolder(folderID)
	}
	return nil
}

// SetFolderVisibility changes the visibility mode. Leaving custom
// deletes the grant list; returning to custom starts empty.
func (s *Service) SetFolderVisibility(ctx context.Context, session Session, folderID, visibility string) (FolderPayload, error) {
	if !s.Can(session.Role, rbac.CapManageFolderAccess) {
		return FolderPayload{}, errForbidden()
	}
	vis, ok := parseVisibility(visibility)
	if !ok {
		return FolderPayload{}, errValidation("visibility must be private, team, or custom")
	}

	folder, err := s.store.GetFolderVisible(ctx, session.viewer(), folderID)
	if errors.Is(err, sql.ErrNoRows) {
		return FolderPayload{}, errNotFound()
	}
	if err != nil {
		return FolderPayload{}, err
	}

	if err := s.store.SetFolderVisibility(ctx, folderID, string(vis)); err != nil {
		return FolderPayload{}, err
	}
	folder.Visibility = string(vis)
	s.indexFolder(folder)
	return folderPayload(folder), nil
}

func (s *Service) ListFolderGrants(ctx context.Context, session Session, folderID string) ([]GrantPayload, error) {
	if _, err := s.requireGrantManager(ctx, session, folderID); err != nil {
		return nil, err
	}
	grants, err := s.store.ListFolderGrants(ctx, folderID)
	if err != nil {
		return nil, err
	}
	payload := make([]GrantPayload, 0, len(grants))
	for _, g := range grants {
		payload = append(payload, GrantPayload{UserID: g.UserID, GrantedBy: g.GrantedBy, GrantedAt: g.GrantedAt})
	}
	return payload, nil
}

func (s *Service) AddFolderGrant(ctx context.Context, session Session, folderID, userID string) error {
	folder, err := s.requireGrantManager(ctx, session, folderID)
	if err != nil {
		return err
	}
	if folder.Visibility != "custom" {
		return errValidation("grants apply to custom folders only")
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errValidation("unknown user")
		}
		return err
	}
	err = s.store.InsertFolderGrant(ctx, store.FolderGrant{
		ID:        util.NewID("grt"),
		FolderID:  folderID,
		UserID:    user.ID,
		GrantedBy: session.UserID,
	})
	if errors.Is(err, store.ErrDuplicateGrant) {
		return errConflict("grant already exists")
	}
	return err
}

func (s *Service) RemoveFolderGrant(ctx context.Context, session Session, folderID, userID string) error {
	if _, err := s.requireGrantManager(ctx, session, folderID); err != nil {
		return err
	}
	err := s.store.DeleteFolderGrant(ctx, folderID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return errNotFound()
	}
	return err
}

// requireGrantManager checks manage_folder_access and folder
// visibility together. A hidden folder reads as NotFound; a visible
// one without the capability reads as Forbidden.
func (s *Service) requireGrantManager(ctx context.Context, session Session, folderID string) (store.Folder, error) {
	if !s.Can(session.Role, rbac.CapManageFolderAccess) {
		return store.Folder{}, errForbidden()
	}
	folder, err := s.store.GetFolderVisible(ctx, session.viewer(), folderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Folder{}, errNotFound()
		}
		return store.Folder{}, err
	}
	return folder, nil
}

func (s *Service) indexFolder(folder store.Folder) {
	if s.search == nil {
		return
	}
	s.search.IndexFolder(search.FolderRecord{
		ID:         folder.ID,
		Name:       folder.Name,
		Visibility: folder.Visibility,
	})
}

func parseVisibility(raw string) (rbac.Visibility, bool) {
	switch rbac.Visibility(strings.TrimSpace(strings.ToLower(raw))) {
	case rbac.VisibilityPrivate, "":
		return rbac.VisibilityPrivate, true
	case rbac.VisibilityTeam:
		return rbac.VisibilityTeam, true
	case rbac.VisibilityCustom:
		return rbac.VisibilityCustom, true
	default:
		return "", false
	}
}
