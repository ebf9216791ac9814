package identity

import (
	"time"

	"github.com/classmint/classmint/internal/apperr"
)

// Roles known to the authorization store.
const (
	RoleTeacher = "teacher"
	RoleStudent = "student"
	RoleAdmin   = "admin"
)

var (
	// ErrUserNotFound is returned when the directory has no such user.
	ErrUserNotFound = apperr.New(apperr.KindNotFound, "user not found")

	// ErrIssuerConflict means the user is bound to a different issuer.
	ErrIssuerConflict = apperr.New(apperr.KindUnauthorized, "recipient is assigned to a different issuer")
)

// User is a directory entry supplied by the surrounding platform. IDs are the
// platform's own identifiers, not generated here.
type User struct {
	ID               string    `json:"id"`
	DisplayName      string    `json:"display_name"`
	Role             string    `json:"role"`
	AssignedIssuerID string    `json:"assigned_issuer_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// CanIssue reports whether the user holds an issuing role.
func (u User) CanIssue() bool {
	return u.Role == RoleTeacher || u.Role == RoleAdmin
}

// UpsertInput registers or refreshes a directory entry.
type UpsertInput struct {
	ID          string `json:"id" validate:"required,max=128"`
	DisplayName string `json:"display_name" validate:"max=200"`
	Role        string `json:"role" validate:"required,oneof=teacher student admin"`
}
