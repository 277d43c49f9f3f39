// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const MaxUserIDLen = 64

var (
	ErrIdentityEmpty   = errors.New("identity empty")
	ErrIdentityTooLong = errors.New("identity too long")
)

// UserID is the registered identity string the relay trusts.
type UserID string

func ParseUserID(raw string) (UserID, error) {
	if len(raw) == 0 {
		return "", ErrIdentityEmpty
	}
	if len(raw) > MaxUserIDLen {
		return "", ErrIdentityTooLong
	}
	return UserID(raw), nil
}

type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}
