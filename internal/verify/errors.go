package verify

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidCode = errors.New("verify: invalid code")
	ErrReplay      = errors.New("verify: code already used")
	ErrExpired     = errors.New("verify: code expired")
	ErrNotFound    = errors.New("verify: not found")
	ErrConflict    = errors.New("verify: conflict")
	ErrNotLinked   = errors.New("verify: user not linked")

	// ErrCooldownActive is the base error for throttled attempts; the
	// returned error is a CooldownError carrying the retry-after hint.
	ErrCooldownActive = errors.New("verify: cooldown active")
)

// CooldownError reports how long the caller must wait before retrying.
type CooldownError struct {
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("verify: cooldown active, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *CooldownError) Unwrap() error { return ErrCooldownActive }
