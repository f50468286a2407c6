package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnsupported marks a capability a vendor connector does not implement
// (e.g. power flow). Callers omit the feature instead of reporting a failure.
var ErrUnsupported = errors.New("operation not supported by vendor")

// ValidationError reports missing or malformed required credential fields.
// It is surfaced immediately and never retried.
type ValidationError struct {
	Missing []string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "missing required fields: " + strings.Join(e.Missing, ", ")
}

// AuthError means the vendor rejected the credentials or token. Code carries
// the vendor-supplied error code when available so the UI can pick the right
// remediation text.
type AuthError struct {
	Vendor  VendorTag
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s auth failed (%s): %s", e.Vendor, e.Code, e.Message)
	}
	return fmt.Sprintf("%s auth failed: %s", e.Vendor, e.Message)
}

// TransientError wraps a failure worth retrying: network timeouts, 5xx
// responses, rate limiting.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried under the backoff policy.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// CooldownError rejects a manual sync attempt during the cooldown window that
// follows repeated failures. No vendor call is made.
type CooldownError struct {
	Until time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("in cooldown until %s", e.Until.Format(time.RFC3339))
}

// LockoutError means repeated authentication failures triggered a
// suspicious-activity lockout. Always surfaced, never retried.
type LockoutError struct {
	ProfileID string
	Failures  int
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("profile %s locked out after %d authentication failures", e.ProfileID, e.Failures)
}
