package rbac

type Role string
type Capability string

const (
	RoleNone       Role = ""
	RoleReader     Role = "reader"
	RoleEditor     Role = "editor"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

const (
	CapManageUsers          Capability = "manage_users"
	CapViewUsers            Capability = "view_users"
	CapCreateFolders        Capability = "create_folders"
	CapDeleteFolders        Capability = "delete_folders"
	CapManageFolderAccess   Capability = "manage_folder_access"
	CapUploadDocuments      Capability = "upload_documents"
	CapDeleteDocuments      Capability = "delete_documents"
	CapMoveDocuments        Capability = "move_documents"
	CapUseChat              Capability = "use_chat"
	CapExportConversations  Capability = "export_conversations"
	CapViewAllConversations Capability = "view_all_conversations"
	CapAccessSettings       Capability = "access_settings"
	CapManageBilling        Capability = "manage_billing"
)

// AllCapabilities lists every capability the resolver knows about,
// in the order they are presented to clients.
var AllCapabilities = []Capability{
	CapManageUsers,
	CapViewUsers,
	CapCreateFolders,
	CapDeleteFolders,
	CapManageFolderAccess,
	CapUploadDocuments,
	CapDeleteDocuments,
	CapMoveDocuments,
	CapUseChat,
	CapExportConversations,
	CapViewAllConversations,
	CapAccessSettings,
	CapManageBilling,
}

// rank places the roles in their total order. RoleNone ranks below
// every real role so threshold checks fail closed.
func rank(role Role) int {
	switch role {
	case RoleReader:
		return 1
	case RoleEditor:
		return 2
	case RoleAdmin:
		return 3
	case RoleSuperAdmin:
		return 4
	default:
		return 0
	}
}

// Can reports whether a role grants a capability. It is pure and
// total: unknown roles and RoleNone grant nothing, including chat.
// Deactivated accounts must be rejected by the caller before this is
// consulted.
func Can(role Role, cap Capability) bool {
	if rank(role) == 0 {
		return false
	}
	switch cap {
	case CapManageUsers, CapManageBilling:
		return role == RoleSuperAdmin
	case CapViewUsers, CapDeleteFolders, CapManageFolderAccess,
		CapDeleteDocuments, CapViewAllConversations, CapAccessSettings:
		return rank(role) >= rank(RoleAdmin)
	case CapCreateFolders, CapUploadDocuments, CapMoveDocuments,
		CapExportConversations:
		return rank(role) >= rank(RoleEditor)
	case CapUseChat:
		return true
	default:
		return false
	}
}

// Capabilities resolves the full capability map for a role.
func Capabilities(role Role) map[Capability]bool {
	caps := make(map[Capability]bool, len(AllCapabilities))
	for _, cap := range AllCapabilities {
		caps[cap] = Can(role, cap)
	}
	return caps
}

// Normalize maps a stored role string onto the closed enum. Anything
// unrecognized is treated as no role at all.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleReader, RoleEditor, RoleAdmin, RoleSuperAdmin:
		return Role(role)
	default:
		return RoleNone
	}
}

// Assignable reports whether a role may be handed out through an
// invitation. super_admin is never assignable this way.
func Assignable(role Role) bool {
	switch role {
	case RoleReader, RoleEditor, RoleAdmin:
		return true
	default:
		return false
	}
}
