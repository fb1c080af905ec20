package model

// Role is the discriminator for the user hierarchy. Shift rows are bucketed
// into separate physical tables by role; the descriptor table lives in the
// shift package.
type Role string

const (
	RoleEmployee   Role = "employee"
	RoleGroupAdmin Role = "group-admin"
	RoleManagement Role = "management"
	RoleSuperAdmin Role = "super-admin"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	switch r {
	case RoleEmployee, RoleGroupAdmin, RoleManagement, RoleSuperAdmin:
		return true
	}
	return false
}

// HasShiftBucket reports whether the role tracks shifts at all.
// Super admins are platform operators and never go on shift.
func (r Role) HasShiftBucket() bool {
	switch r {
	case RoleEmployee, RoleGroupAdmin, RoleManagement:
		return true
	}
	return false
}

// SupervisorRole returns the role notified when a shift of role r
// auto-ends, and false when there is none.
func (r Role) SupervisorRole() (Role, bool) {
	switch r {
	case RoleEmployee:
		return RoleGroupAdmin, true
	case RoleGroupAdmin:
		return RoleManagement, true
	}
	return "", false
}

// IsSupervisor reports whether the role may observe other users' locations.
func (r Role) IsSupervisor() bool {
	switch r {
	case RoleGroupAdmin, RoleManagement, RoleSuperAdmin:
		return true
	}
	return false
}
