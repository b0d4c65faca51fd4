package auth

import "time"

type Role string

const (
	RoleClient     Role = "client"
	RoleFreelancer Role = "freelancer"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// Actor is the authenticated caller passed explicitly into every service
// operation. Party membership for a given contract is always re-derived from
// the contract row; the role here only gates admin-level operations.
type Actor struct {
	UserID string
	Role   Role
}

// IsAdmin reports whether the actor holds back-office privileges.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin || a.Role == RoleSuperAdmin
}

// User is the domain representation of an authenticated user.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID              string
	Email           string
	FullName        string
	PasswordHash    string
	Role            Role
	StripeAccountID *string
	PayoutsEnabled  bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
