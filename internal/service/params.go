package service

import (
	"errors"
	"time"
)

// AlertFilter supports history filtering by time range and code.
type AlertFilter struct {
	From time.Time // inclusive; zero means no lower bound
	To   time.Time // inclusive; zero means no upper bound
	Code string    // "", "ROLLBACK_EXECUTED", "TCP_FATAL", ...
}

// IsFilterError reports whether err came from an invalid AlertFilter.
func IsFilterError(err error) bool {
	return errors.Is(err, errInvalidTimeRange) || errors.Is(err, errUnknownAlertCode)
}
