package models

import "time"

// UserRole represents the role claim carried by every caller.
type UserRole string

const (
	RoleStudent     UserRole = "student"
	RoleEventLeader UserRole = "event_leader"
	RoleFaculty     UserRole = "faculty"
	RoleAdmin       UserRole = "admin"
)

// Valid reports whether the role is one the workflow knows about.
func (r UserRole) Valid() bool {
	switch r {
	case RoleStudent, RoleEventLeader, RoleFaculty, RoleAdmin:
		return true
	}
	return false
}

// Label is the human readable actor name written to history and updatedBy.
func (r UserRole) Label() string {
	switch r {
	case RoleEventLeader:
		return "Event Leader"
	case RoleFaculty:
		return "Faculty"
	case RoleStudent:
		return "Student"
	case RoleAdmin:
		return "Admin"
	}
	return "System"
}

// DashboardPath is the dashboard link used in notifications addressed to the role.
func (r UserRole) DashboardPath() string {
	switch r {
	case RoleEventLeader:
		return "/event-leader-dashboard"
	case RoleFaculty:
		return "/faculty-dashboard"
	case RoleAdmin:
		return "/admin-dashboard"
	}
	return "/student-dashboard"
}

// Account is a directory entry from the users table; used to resolve role holders for fan-out.
type Account struct {
	ID          string    `db:"id" json:"id"`
	Email       string    `db:"email" json:"email"`
	DisplayName string    `db:"display_name" json:"displayName"`
	Role        UserRole  `db:"role" json:"role"`
	RollNumber  *string   `db:"roll_number" json:"rollNumber,omitempty"`
	Active      bool      `db:"active" json:"active"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
