package models

import "time"

// UserQuota is the durable per-user usage record kept in the quota ledger.
type UserQuota struct {
	UserID        string    `db:"id" json:"userId"`
	RequestsMade  int       `db:"requests_made" json:"requestsMade"`
	RequestsLimit int       `db:"requests_limit" json:"requestsLimit"`
	ResetAt       time.Time `db:"requests_reset_at" json:"resetAt"`
}

// Remaining never goes negative, even after a boundary race over-admits.
func (q UserQuota) Remaining() int {
	if r := q.RequestsLimit - q.RequestsMade; r > 0 {
		return r
	}
	return 0
}

func (q UserQuota) Exhausted() bool {
	return q.RequestsMade >= q.RequestsLimit
}

// ThrottleCounter is the transient burst counter held in the counter store.
// TTL is zero when the store could not report one.
type ThrottleCounter struct {
	Key   string        `json:"key"`
	Count int64         `json:"count"`
	TTL   time.Duration `json:"ttl"`
}

// StartOfDay returns local midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// IsStale reports whether resetAt predates the start of now's day. A reset stamped
// exactly at midnight belongs to that day.
func IsStale(resetAt, now time.Time, loc *time.Location) bool {
	return resetAt.Before(StartOfDay(now, loc))
}

// ApplyLazyReset computes the record a request made at now should see. When the stored
// reset predates today the usage is zeroed and ResetAt moves to now.
func ApplyLazyReset(stored UserQuota, now time.Time, loc *time.Location) (UserQuota, bool) {
	if !IsStale(stored.ResetAt, now, loc) {
		return stored, false
	}
	effective := stored
	effective.RequestsMade = 0
	effective.ResetAt = now
	return effective, true
}
