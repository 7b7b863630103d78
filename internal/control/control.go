package control

import (
	"context"
	"fmt"
	"time"
)

// Policy defines per-message limits and gateway retry behavior.
type Policy struct {
	MaxRetries  int
	MaxWallTime time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultPolicy returns the policy used when config does not override it.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:  3,
		MaxWallTime: 120 * time.Second,
		BaseBackoff: time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

// LimitType identifies which limit is reached.
type LimitType string

const (
	LimitWallTime LimitType = "max_wall_time_seconds"
)

// LimitError indicates a per-message limit was reached.
type LimitError struct {
	Type      LimitType
	Value     int64
	Threshold int64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("limit reached type=%s value=%d threshold=%d", e.Type, e.Value, e.Threshold)
}

// CheckWallTime validates elapsed time against policy.
func CheckWallTime(p Policy, startedAt time.Time, now time.Time) error {
	limit := p.MaxWallTime
	if limit <= 0 {
		return &LimitError{Type: LimitWallTime, Value: 0, Threshold: int64(limit.Seconds())}
	}
	elapsed := now.Sub(startedAt)
	if elapsed > limit {
		return &LimitError{
			Type:      LimitWallTime,
			Value:     int64(elapsed.Seconds()),
			Threshold: int64(limit.Seconds()),
		}
	}
	return nil
}

// RetryBackoff computes exponential backoff from BaseBackoff, capped at MaxBackoff.
func RetryBackoff(p Policy, attempt int) time.Duration {
	if attempt <= 0 || p.BaseBackoff <= 0 {
		return 0
	}
	d := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// ShouldRetry returns whether a failed attempt should be retried.
func ShouldRetry(p Policy, attempts int) bool {
	return attempts <= p.MaxRetries
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
