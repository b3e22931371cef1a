package models

import "github.com/google/uuid"

// Role of an authenticated subscriber.
type Role string

const (
	RolePlayer Role = "player"
	RoleAdmin  Role = "admin"
)

// Identity is the verified (player, role) pair handed over by the auth collaborator.
type Identity struct {
	PlayerID uuid.UUID `json:"playerId"`
	Role     Role      `json:"role"`
}

// IsAdmin reports whether the identity may use privileged actions.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}
