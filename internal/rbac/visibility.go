package rbac

type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityTeam    Visibility = "team"
	VisibilityCustom  Visibility = "custom"
)

// Viewer is the identity tuple the visibility predicate operates on.
// Inactive accounts and accounts without a role see nothing.
type Viewer struct {
	UserID string
	Role   Role
	Active bool
}

// FolderFacts are the columns of the candidate folder row itself.
// The predicate never reaches back into the folder table; the only
// external lookup is the grant flag, which the caller resolves
// against the grants table.
type FolderFacts struct {
	CreatorID  string
	Visibility Visibility
}

// NormalizeVisibility maps a stored visibility string onto the closed
// enum, defaulting to private so malformed rows stay hidden.
func NormalizeVisibility(v string) Visibility {
	switch Visibility(v) {
	case VisibilityPrivate, VisibilityTeam, VisibilityCustom:
		return Visibility(v)
	default:
		return VisibilityPrivate
	}
}

// CanViewFolder decides whether viewer may see folder. hasGrant is
// whether a (folder, user) grant row exists; it only matters under
// custom visibility. Rules evaluate in order, first match wins:
//
//  1. creator sees their own folder
//  2. super_admin sees everything
//  3. team folders are visible to any active role holder
//  4. private folders are visible only to the creator (restates 1;
//     the SQL policy spells it out the same way)
//  5. custom folders are visible with an explicit grant
func CanViewFolder(viewer Viewer, folder FolderFacts, hasGrant bool) bool {
	if !viewer.Active || rank(viewer.Role) == 0 {
		return false
	}
	if viewer.UserID == folder.CreatorID {
		return true
	}
	if viewer.Role == RoleSuperAdmin {
		return true
	}
	switch folder.Visibility {
	case VisibilityTeam:
		return true
	case VisibilityPrivate:
		return viewer.UserID == folder.CreatorID
	case VisibilityCustom:
		return hasGrant
	default:
		return false
	}
}

// CanManageGrants reports whether viewer may edit a folder's custom
// grant list. Grant management needs the folder to be visible and the
// manage_folder_access capability.
func CanManageGrants(viewer Viewer, folder FolderFacts, hasGrant bool) bool {
	if !CanViewFolder(viewer, folder, hasGrant) {
		return false
	}
	return Can(viewer.Role, CapManageFolderAccess)
}
