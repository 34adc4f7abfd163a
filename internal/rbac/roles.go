package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleOwner      = "owner"
	RoleSupervisor = "supervisor"
	RoleOperator   = "operator"
	RoleSuperAdmin = "super_admin"
)

// VoiceRoles may hold a voice device and take calls.
var VoiceRoles = []string{RoleOwner, RoleSupervisor, RoleOperator}

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

// IsKnownRole reports whether role is one of the CRM roles.
func IsKnownRole(role string) bool {
	switch role {
	case RoleOwner, RoleSupervisor, RoleOperator, RoleSuperAdmin:
		return true
	default:
		return false
	}
}
