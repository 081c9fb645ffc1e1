package domain

import (
	"time"
)

// Session is a validated login session issued by the external auth boundary.
type Session struct {
	ID            string
	UserID        string
	ActiveExpires time.Time
}

// Expired returns true if the session is no longer active at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ActiveExpires)
}

// TemporaryToken is a single-use connection token keyed by user id.
type TemporaryToken struct {
	Key       string
	Value     string
	ExpiresAt time.Time
}

// Expired returns true if the token can no longer be consumed at now.
func (t *TemporaryToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
