// internal/bounce/ledger.go
package bounce

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unclebandit/mailrelay-backend/internal/model"
)

// Block durations escalate with the bounce count: one bounce earns a short
// cool-down, repeated bounces escalate to an effectively permanent block
// (~100 years).
var blockDurations = []time.Duration{
	1 * time.Hour,
	3 * time.Hour,
	6 * time.Hour,
	12 * time.Hour,
	24 * time.Hour,
	7 * 24 * time.Hour,
	30 * 24 * time.Hour,
	36500 * 24 * time.Hour,
}

// BlockDurationFor maps a cumulative bounce count onto the escalation table,
// clamping past the terminal entry.
func BlockDurationFor(count int) time.Duration {
	if count < 1 {
		count = 1
	}
	idx := count - 1
	if idx >= len(blockDurations) {
		idx = len(blockDurations) - 1
	}
	return blockDurations[idx]
}

// RecordStore is the persistence the ledger needs.
type RecordStore interface {
	IncrementBounce(email string) (int, error)
	SetBlockedUntil(email string, until time.Time) error
	GetByEmail(email string) (*model.BounceRecord, error)
}

// Ledger tracks per-address bounce history and answers blocklist lookups.
// IsBlocked is on the intake hot path, so lookups go through a redis
// read-through cache; the database stays authoritative.
type Ledger struct {
	Store    RecordStore
	Cache    *redis.Client
	CacheTTL time.Duration
	Log      *slog.Logger
}

func cacheKey(email string) string {
	return "bounce:blocked_until:" + email
}

// RecordBounce increments the counter for an address and extends its block
// window per the escalation table.
func (l *Ledger) RecordBounce(ctx context.Context, email string) error {
	count, err := l.Store.IncrementBounce(email)
	if err != nil {
		return fmt.Errorf("increment bounce for %s: %w", email, err)
	}

	until := time.Now().UTC().Add(BlockDurationFor(count))
	if err := l.Store.SetBlockedUntil(email, until); err != nil {
		return fmt.Errorf("set blocked_until for %s: %w", email, err)
	}

	if l.Cache != nil {
		err := l.Cache.Set(ctx, cacheKey(email), until.Unix(), l.CacheTTL).Err()
		if err != nil && l.Log != nil {
			l.Log.Warn("bounce cache update failed", "email", email, "error", err)
		}
	}
	return nil
}

// IsBlocked reports whether the address is inside its block window. Cache or
// store errors fail open: a lookup problem must not stall the pipeline.
func (l *Ledger) IsBlocked(ctx context.Context, email string) bool {
	if l.Cache != nil {
		val, err := l.Cache.Get(ctx, cacheKey(email)).Result()
		if err == nil {
			unix, perr := strconv.ParseInt(val, 10, 64)
			if perr == nil {
				return unix > 0 && time.Unix(unix, 0).After(time.Now())
			}
		} else if err != redis.Nil && l.Log != nil {
			l.Log.Warn("bounce cache read failed", "email", email, "error", err)
		}
	}

	rec, err := l.Store.GetByEmail(email)
	if err != nil {
		if l.Log != nil {
			l.Log.Warn("bounce record read failed", "email", email, "error", err)
		}
		return false
	}

	var unix int64
	blocked := false
	if rec != nil && rec.BlockedUntil != nil {
		unix = rec.BlockedUntil.Unix()
		blocked = rec.IsBlocked(time.Now())
	}

	if l.Cache != nil {
		if err := l.Cache.Set(ctx, cacheKey(email), unix, l.CacheTTL).Err(); err != nil && l.Log != nil {
			l.Log.Warn("bounce cache update failed", "email", email, "error", err)
		}
	}
	return blocked
}
