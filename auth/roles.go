package auth

// Role is the kind of party a token speaks for.
type Role string

const (
	RoleWorker   Role = "worker"
	RolePayer    Role = "payer"
	RoleOperator Role = "operator"
)

// NormalizeRole validates a role string.
func NormalizeRole(value string) (Role, bool) {
	switch Role(value) {
	case RoleWorker, RolePayer, RoleOperator:
		return Role(value), true
	default:
		return "", false
	}
}

// Satisfies reports whether role is one of allowed. Operators satisfy every
// requirement.
func Satisfies(role Role, allowed []Role) bool {
	if role == RoleOperator {
		return true
	}
	for _, a := range allowed {
		if a == role {
			return true
		}
	}
	return false
}
