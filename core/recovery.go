package core

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	defaultRecoveryMaxAttempts    = 5
	defaultRecoveryInitialBackoff = 2 * time.Second
	defaultRecoveryMaxBackoff     = 5 * time.Minute
)

// RecoveryBackoffScheduler computes the delay before the given attempt.
// Attempt numbering starts at 1.
type RecoveryBackoffScheduler interface {
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoffScheduler doubles the delay per attempt up to Max.
// Jitter, when set, spreads each delay by up to that fraction in either
// direction so recovering tenants do not stampede the platform together.
type ExponentialBackoffScheduler struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64

	// Rand is injectable for tests; defaults to rand.Int63n.
	Rand func(n int64) int64
}

func (s ExponentialBackoffScheduler) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := s.Initial
	if initial <= 0 {
		initial = defaultRecoveryInitialBackoff
	}
	max := s.Max
	if max <= 0 {
		max = defaultRecoveryMaxBackoff
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}
	return s.applyJitter(delay, max)
}

func (s ExponentialBackoffScheduler) applyJitter(delay, max time.Duration) time.Duration {
	if s.Jitter <= 0 || delay <= 0 {
		return delay
	}
	fraction := s.Jitter
	if fraction > 1 {
		fraction = 1
	}
	spread := int64(float64(delay) * fraction)
	if spread <= 0 {
		return delay
	}
	randFn := s.Rand
	if randFn == nil {
		randFn = rand.Int63n
	}
	offset := time.Duration(randFn(spread*2+1) - spread)
	jittered := delay + offset
	if jittered < 0 {
		jittered = 0
	}
	if jittered > max {
		jittered = max
	}
	return jittered
}

// isUnrecoverableSessionError separates failures no amount of retrying can
// fix (tampering, upstream revocation, bad credentials) from transient
// upstream or storage trouble.
func isUnrecoverableSessionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTamperDetected) ||
		errors.Is(err, ErrSessionRevoked) ||
		errors.Is(err, ErrCredentialNotFound) ||
		errors.Is(err, ErrAttemptsExceeded) {
		return true
	}
	if IsUpstreamRevoked(err) {
		return true
	}
	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		return !upstreamErr.Retryable && !upstreamErr.Revoked && upstreamErr.StatusCode >= 400 && upstreamErr.StatusCode < 500
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		switch richErr.Category {
		case goerrors.CategoryAuth, goerrors.CategoryAuthz, goerrors.CategoryValidation:
			return true
		}
		switch strings.TrimSpace(strings.ToUpper(richErr.TextCode)) {
		case SessionErrorTamperDetected, SessionErrorRevoked, SessionErrorAttemptsExceeded:
			return true
		}
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(msg, "logged out") ||
		strings.Contains(msg, "credential rejected") ||
		strings.Contains(msg, "device removed")
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
