package stdio

import (
	"os/user"
)

// UserProvider supplies the user ID bound to the stdio peer. Stdio carries no
// bearer tokens, so the transport trusts the provider's answer outright.
type UserProvider interface {
	CurrentUserID() (string, error)
}

// OSUserProvider identifies the peer as the operating system's current user,
// preferring the username and falling back to the numeric UID.
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

// StaticUserProvider returns a fixed user ID. Useful for tests and for
// deployments where the subprocess identity is decided out of band.
type StaticUserProvider string

func (p StaticUserProvider) CurrentUserID() (string, error) {
	return string(p), nil
}
