package models

import "github.com/golang-jwt/jwt/v5"

// Role constants for coarse access control. Identity issuance lives in the
// upstream auth service; the engine only consumes verified claims.
type Role string

const (
	RoleAdmin    Role = "ADMIN"
	RoleAssessor Role = "ASSESSOR"
	RoleApprover Role = "APPROVER"
	RoleClerk    Role = "CLERK"
)

// JWTClaims is the user-identity object carried on every request.
type JWTClaims struct {
	UserID   string `json:"userId"`
	FullName string `json:"fullName"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}
