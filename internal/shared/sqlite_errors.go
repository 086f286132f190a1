// Package shared holds small helpers used by more than one layer.
package shared

import "strings"

// The pure-Go sqlite driver reports lock contention as string errors,
// so classification is by substring.

// IsSQLiteBusyError reports whether err is a SQLITE_BUSY failure,
// raised when another connection holds the write lock.
func IsSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsSQLiteLockedError reports whether err is a "database is locked"
// failure, the other form the driver uses for the same condition.
func IsSQLiteLockedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// IsSQLiteConflictError reports whether err is either contention
// variant. Callers treat these as retryable; audit writes back off and
// retry instead of dropping the row.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}
