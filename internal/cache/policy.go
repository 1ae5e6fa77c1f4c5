package cache

import (
	"strings"
	"time"

	"github.com/JakeFAU/pnr-status-sync/internal/pnr"
)

// Default lifetimes for cached lookups.
const (
	DefaultTTL      = 5 * time.Minute
	DefaultErrorTTL = time.Minute
)

// TTLFor picks the lifetime for a result. Failed lookups are kept for the
// shorter error TTL so a failing site is not hit on every call. Validation
// failures are never cached and get zero.
func TTLFor(result pnr.StatusResult, base, errorTTL time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultTTL
	}
	if errorTTL <= 0 {
		errorTTL = DefaultErrorTTL
	}
	if errorTTL > base {
		errorTTL = base
	}
	switch {
	case result.ErrorKind == pnr.KindValidation:
		return 0
	case result.Failed():
		return errorTTL
	default:
		return base
	}
}

// ShouldInvalidate reports whether a cached entry must be dropped because the
// site now reports a different status than a previously stored terminal one.
func ShouldInvalidate(previous pnr.StatusResult, currentStatus string) bool {
	if !previous.IsTerminalInvalid {
		return false
	}
	current := strings.TrimSpace(currentStatus)
	if current == "" {
		return false
	}
	return !strings.EqualFold(previous.StatusText, current)
}
