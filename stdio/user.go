package stdio

import (
	"os/user"
)

// UserProvider names the local peer. No credentials cross the pipe, so the
// name is only used to label logs.
type UserProvider interface {
	CurrentUserID() (string, error)
}

// OSUserProvider reports the username of the current process, falling back
// to its uid.
type OSUserProvider struct{}

func (OSUserProvider) CurrentUserID() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	if u.Username != "" {
		return u.Username, nil
	}
	return u.Uid, nil
}

// StaticUser is a UserProvider that always reports the same id.
type StaticUser string

func (s StaticUser) CurrentUserID() (string, error) { return string(s), nil }
