package domain

import "time"

// Session is an active refresh-token record as shown to its owner. The
// token value and hash are never exposed.
type Session struct {
	ID        string // refresh record id
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Device    DeviceMeta
	Current   bool
}
