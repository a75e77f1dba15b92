package service

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrThrottled         = errors.New("too many requests in a short period")
	ErrQuotaExceeded     = errors.New("daily request limit reached")
	ErrInvalidInput      = errors.New("input text is required")
	ErrUpstreamCapacity  = errors.New("generation capacity temporarily exhausted")
	ErrLedgerUnavailable = errors.New("quota ledger unavailable")
	ErrGenerationFailed  = errors.New("generation failed")
)

// QuotaExceededError is returned by Admit when the daily quota is used up.
type QuotaExceededError struct {
	Limit     int
	Remaining int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("You have reached your daily limit of %d free requests. Come back tomorrow or upgrade for more.", e.Limit)
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

// ThrottledError is returned by Admit when the burst window is full.
// RetryAfter is the remaining window, zero when unknown.
type ThrottledError struct {
	Limit      int
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("Too many requests. Only %d requests are allowed in a short period, please slow down.", e.Limit)
}

func (e *ThrottledError) Unwrap() error { return ErrThrottled }

// RetryAfterSeconds rounds up so clients never retry inside the window.
func (e *ThrottledError) RetryAfterSeconds() int {
	if e.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(e.RetryAfter.Seconds()))
}
