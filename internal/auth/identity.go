// Package auth carries the identity seam between the sync core and the
// external auth collaborator. The current user may be absent; every core
// operation degrades to a no-op when it is.
package auth

// Identity supplies the acting user's id. The second return is false when
// no user is authenticated.
type Identity interface {
	CurrentUserID() (string, bool)
}

// Static is an Identity fixed to one user id, as resolved at connection
// time by the transport layer.
type Static string

func (s Static) CurrentUserID() (string, bool) { return string(s), s != "" }

// Anonymous is an Identity with no current user.
type Anonymous struct{}

func (Anonymous) CurrentUserID() (string, bool) { return "", false }
