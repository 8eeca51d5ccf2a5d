package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthenticated is returned when a request carries no caller identity
var ErrUnauthenticated = errors.New("caller identity missing")

// Identity is the authenticated caller of a request
type Identity struct {
	UserID   string
	UserName string
}

// IdentityResolver extracts the caller from a request. Authentication itself
// happens in front of this service.
type IdentityResolver interface {
	Resolve(r *http.Request) (Identity, error)
}

// MembershipChecker decides whether a user participates in a meeting
type MembershipChecker interface {
	IsMember(ctx context.Context, meetingID, userID string) (bool, error)
}

// HeaderIdentity reads the caller from X-User-Id and X-User-Name headers
type HeaderIdentity struct{}

// Resolve implements IdentityResolver
func (HeaderIdentity) Resolve(r *http.Request) (Identity, error) {
	id := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if id == "" {
		return Identity{}, ErrUnauthenticated
	}
	return Identity{
		UserID:   id,
		UserName: strings.TrimSpace(r.Header.Get("X-User-Name")),
	}, nil
}

// AllowAll admits every caller to every meeting
type AllowAll struct{}

// IsMember implements MembershipChecker
func (AllowAll) IsMember(context.Context, string, string) (bool, error) {
	return true, nil
}

// StaticMembership admits the listed users per meeting
type StaticMembership map[string][]string

// IsMember implements MembershipChecker
func (m StaticMembership) IsMember(_ context.Context, meetingID, userID string) (bool, error) {
	for _, id := range m[meetingID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}
