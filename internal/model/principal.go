package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role is the closed set of institutional roles a user can hold.
type Role string

const (
	RoleStudent    Role = "student"
	RoleParent     Role = "parent"
	RoleLecturer   Role = "lecturer"
	RoleHOD        Role = "hod"
	RoleFinance    Role = "finance"
	RoleRecords    Role = "records"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superadmin"
	RoleLibrarian  Role = "librarian"
)

var validRoles = map[Role]bool{
	RoleStudent:    true,
	RoleParent:     true,
	RoleLecturer:   true,
	RoleHOD:        true,
	RoleFinance:    true,
	RoleRecords:    true,
	RoleAdmin:      true,
	RoleSuperAdmin: true,
	RoleLibrarian:  true,
}

// ParseRole validates a role string. The empty string is accepted and means
// "no role assigned".
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if r == "" || validRoles[r] {
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// SeesAllRecords reports whether the role reads across the whole dataset
// without an ownership signal.
func (r Role) SeesAllRecords() bool {
	switch r {
	case RoleFinance, RoleRecords, RoleAdmin:
		return true
	default:
		return false
	}
}

// Principal is the authenticated identity making a request.
// A nil *Principal is the anonymous actor.
type Principal struct {
	ID           uuid.UUID  `json:"id"`
	Username     string     `json:"username"`
	Role         Role       `json:"role"`
	DepartmentID *uuid.UUID `json:"department_id,omitempty"`
	Staff        bool       `json:"is_staff"`
	Superuser    bool       `json:"is_superuser"`
}

// IsAuthenticated reports whether p identifies a real user.
func (p *Principal) IsAuthenticated() bool {
	return p != nil && p.ID != uuid.Nil
}

// IsElevated reports whether p bypasses per-entity scoping.
// Superadmins are elevated even without the staff flag.
func (p *Principal) IsElevated() bool {
	if !p.IsAuthenticated() {
		return false
	}
	return p.Staff || p.Superuser || p.Role == RoleSuperAdmin
}

// Department returns the principal's department, or uuid.Nil.
func (p *Principal) Department() uuid.UUID {
	if p == nil || p.DepartmentID == nil {
		return uuid.Nil
	}
	return *p.DepartmentID
}

// IDPtr returns a pointer to the principal's ID, or nil for anonymous.
func (p *Principal) IDPtr() *uuid.UUID {
	if !p.IsAuthenticated() {
		return nil
	}
	id := p.ID
	return &id
}

// User is the persisted account behind a Principal.
type User struct {
	ID           uuid.UUID  `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	Role         Role       `json:"role"`
	DepartmentID *uuid.UUID `json:"department_id,omitempty"`
	Staff        bool       `json:"is_staff" gorm:"column:is_staff"`
	Superuser    bool       `json:"is_superuser" gorm:"column:is_superuser"`
	Active       bool       `json:"is_active" gorm:"column:is_active"`
	PasswordHash string     `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (User) TableName() string { return "users" }

// EntityID returns the user's primary key as a string.
func (u User) EntityID() string { return u.ID.String() }

// Principal projects the user into the identity used for authorization.
func (u User) Principal() *Principal {
	return &Principal{
		ID:           u.ID,
		Username:     u.Username,
		Role:         u.Role,
		DepartmentID: u.DepartmentID,
		Staff:        u.Staff,
		Superuser:    u.Superuser,
	}
}

// ParentStudentLink relates a parent account to one of their students.
// The pair is unique.
type ParentStudentLink struct {
	ID           uuid.UUID `json:"id"`
	ParentID     uuid.UUID `json:"parent_id"`
	StudentID    uuid.UUID `json:"student_id"`
	Relationship string    `json:"relationship,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
