package domain

import "time"

// TokenKind differentiates access vs refresh tokens.
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// Token is an issued, signed token together with its metadata.
type Token struct {
	Value     string
	Kind      TokenKind
	SubjectID string
	ExpiresAt time.Time
	IssuedAt  time.Time
}
