package domain

// Role is the platform role carried by a bearer credential.
type Role string

const (
	RoleRequester Role = "requester"
	RoleAttendant Role = "attendant"
	RoleAdmin     Role = "admin"
	RoleSystem    Role = "system"
)

// Valid reports whether the role is known.
func (r Role) Valid() bool {
	switch r {
	case RoleRequester, RoleAttendant, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// Actor identifies who performs an operation.
type Actor struct {
	UserID int64
	Role   Role
}

// SystemActor is used for sweep-driven transitions.
var SystemActor = Actor{Role: RoleSystem}

// IsStaff reports whether the actor may work tickets.
func (a Actor) IsStaff() bool {
	return a.Role == RoleAttendant || a.Role == RoleAdmin
}

// AuthorID returns a pointer suitable for history authorship, nil for system.
func (a Actor) AuthorID() *int64 {
	if a.Role == RoleSystem {
		return nil
	}
	id := a.UserID
	return &id
}
