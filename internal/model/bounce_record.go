// internal/model/bounce_record.go
package model

import "time"

// BounceRecord tracks delivery failures for one recipient address across all
// messages. blocked_until never moves backwards: repeated bounces only extend
// the block window.
type BounceRecord struct {
	ID           int64      `db:"id" json:"id"`
	Email        string     `db:"email" json:"email"`
	BounceCount  int        `db:"bounce_count" json:"bounce_count"`
	LastBounceAt time.Time  `db:"last_bounce_at" json:"last_bounce_at"`
	BlockedUntil *time.Time `db:"blocked_until" json:"blocked_until,omitempty"`
}

// IsBlocked reports whether the address is inside its block window.
func (b *BounceRecord) IsBlocked(now time.Time) bool {
	return b.BlockedUntil != nil && b.BlockedUntil.After(now)
}
