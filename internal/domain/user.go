package domain

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// Role is the closed set of authorization roles.
type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleModerator, RoleAdmin:
		return true
	}
	return false
}

const (
	UsernameMinLen = 3
	UsernameMaxLen = 30
	PasswordMinLen = 8
	NameMaxLen     = 50
)

var (
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
	emailPattern    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

// User is the stored principal. PasswordHash never leaves the process.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	FirstName    string     `json:"first_name,omitempty"`
	LastName     string     `json:"last_name,omitempty"`
	Avatar       string     `json:"avatar"`
	Active       bool       `json:"active"`
	Role         Role       `json:"role"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// FullName returns "first last" when both are set, otherwise the username.
func (u *User) FullName() string {
	if u.FirstName != "" && u.LastName != "" {
		return u.FirstName + " " + u.LastName
	}
	return u.Username
}

// Sanitized returns a copy with the password hash stripped.
func (u *User) Sanitized() *User {
	if u == nil {
		return nil
	}
	cp := *u
	cp.PasswordHash = ""
	return &cp
}

// PasswordHasher is the subset of the hasher the domain needs.
type PasswordHasher interface {
	Hash(plain string) (string, error)
	Compare(hash, plain string) bool
}

// SetPassword hashes plain into the user when it differs from the stored
// credential. It reports whether the hash changed; on error the user is left
// untouched.
func (u *User) SetPassword(hasher PasswordHasher, plain string) (bool, error) {
	if u.PasswordHash != "" && hasher.Compare(u.PasswordHash, plain) {
		return false, nil
	}
	hash, err := hasher.Hash(plain)
	if err != nil {
		return false, err
	}
	u.PasswordHash = hash
	return true, nil
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// FieldErrors maps a field name to the reason it was rejected.
type FieldErrors map[string]string

func (f FieldErrors) Error() string {
	parts := make([]string, 0, len(f))
	for field, msg := range f {
		parts = append(parts, field+": "+msg)
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

// ValidateRegistration checks the fields a new account must satisfy.
func ValidateRegistration(username, email, password, firstName, lastName string) FieldErrors {
	errs := FieldErrors{}
	switch {
	case len(username) < UsernameMinLen:
		errs["username"] = "must be at least 3 characters"
	case len(username) > UsernameMaxLen:
		errs["username"] = "cannot exceed 30 characters"
	case !usernamePattern.MatchString(username):
		errs["username"] = "can only contain letters, numbers, and underscores"
	}
	if !emailPattern.MatchString(email) {
		errs["email"] = "must be a valid email address"
	}
	if msg := validatePassword(password); msg != "" {
		errs["password"] = msg
	}
	for field, msg := range ValidateProfile(firstName, lastName) {
		errs[field] = msg
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// ValidateProfile checks optional profile fields.
func ValidateProfile(firstName, lastName string) FieldErrors {
	errs := FieldErrors{}
	if len(firstName) > NameMaxLen {
		errs["first_name"] = "cannot exceed 50 characters"
	}
	if len(lastName) > NameMaxLen {
		errs["last_name"] = "cannot exceed 50 characters"
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// ValidatePassword checks a new plaintext password.
func ValidatePassword(password string) FieldErrors {
	if msg := validatePassword(password); msg != "" {
		return FieldErrors{"password": msg}
	}
	return nil
}

func validatePassword(password string) string {
	if len(password) < PasswordMinLen {
		return "must be at least 8 characters"
	}
	return ""
}
