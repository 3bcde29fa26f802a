package domain

import "errors"

// UserRecord is the identity/contact data returned by the user directory.
type UserRecord struct {
	ID       string
	Username string
	Email    string
}

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrDirectoryUnavailable = errors.New("user directory unavailable")
	ErrInvalidUserRecord    = errors.New("invalid user record")
)

// DisplayName falls back to a neutral greeting when the directory has no username.
func (u UserRecord) DisplayName() string {
	if u.Username != "" {
		return u.Username
	}
	return "there"
}
