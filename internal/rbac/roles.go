package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleCaller = "caller"
	RoleHost   = "host"
	RoleAdmin  = "admin"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsKnownRole(role string) bool {
	switch role {
	case RoleCaller, RoleHost, RoleAdmin:
		return true
	default:
		return false
	}
}
