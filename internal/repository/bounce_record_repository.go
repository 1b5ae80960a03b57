// internal/repository/bounce_record_repository.go
package repository

import (
	"database/sql"
	"time"

	"github.com/unclebandit/mailrelay-backend/internal/model"
)

// BounceRecordRepository persists per-address bounce counters. The increment
// is a single upsert so concurrent bounce events for one address never lose
// counts.
type BounceRecordRepository struct {
	DB *sql.DB
}

// IncrementBounce bumps (or creates) the counter for an address and returns
// the new count.
func (r *BounceRecordRepository) IncrementBounce(email string) (int, error) {
	var count int
	err := r.DB.QueryRow(`
		INSERT INTO bounce_records (email, bounce_count, last_bounce_at)
		VALUES ($1, 1, NOW())
		ON CONFLICT (email) DO UPDATE
		SET bounce_count = bounce_records.bounce_count + 1, last_bounce_at = NOW()
		RETURNING bounce_count
	`, email).Scan(&count)
	return count, err
}

// SetBlockedUntil extends the block window. GREATEST keeps blocked_until
// monotonic even when bounce events are applied out of order.
func (r *BounceRecordRepository) SetBlockedUntil(email string, until time.Time) error {
	_, err := r.DB.Exec(`
		UPDATE bounce_records
		SET blocked_until = GREATEST(COALESCE(blocked_until, $2), $2)
		WHERE email = $1
	`, email, until)
	return err
}

// GetByEmail returns the record for an address, or nil when it has never
// bounced.
func (r *BounceRecordRepository) GetByEmail(email string) (*model.BounceRecord, error) {
	var rec model.BounceRecord
	err := r.DB.QueryRow(`
		SELECT id, email, bounce_count, last_bounce_at, blocked_until
		FROM bounce_records
		WHERE email = $1
	`, email).Scan(&rec.ID, &rec.Email, &rec.BounceCount, &rec.LastBounceAt, &rec.BlockedUntil)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
