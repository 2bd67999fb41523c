package rbac

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleEditor    Role = "editor"
	RoleExecutive Role = "executive"
	RoleAdmin     Role = "admin"
)

const (
	// ActionViewBoard gates the Executive Board read view.
	ActionViewBoard Action = "view-board"
	// ActionViewLogs gates the audit-log read API.
	ActionViewLogs Action = "view-logs"
	// ActionManageUsers gates user CRUD. Non-admins may also hold the
	// userManager permission flag, checked separately by the user store.
	ActionManageUsers Action = "manage-users"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleExecutive:
		return action == ActionViewBoard
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleExecutive, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

// IsAdmin reports whether the role carries full administrative rights.
// Dashboard-level access (view/mutate) is decided per record by its ACL,
// with admin as the only role-based override.
func IsAdmin(role string) bool {
	return Role(role) == RoleAdmin
}
