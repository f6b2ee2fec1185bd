package platform

import "errors"

var (
	// ErrPermission reports that the bot lacks the capability or role
	// position required for the call. Never fatal; callers log and, where
	// a retry schedule exists, retry.
	ErrPermission = errors.New("platform: permission denied")

	// ErrNotFound reports that the target vanished between detection and
	// action. Callers treat it as success.
	ErrNotFound = errors.New("platform: not found")
)

// IsRetryable reports whether a restore error is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPermission)
}

// IsGone reports whether the error means the target no longer exists.
func IsGone(err error) bool {
	return errors.Is(err, ErrNotFound)
}
