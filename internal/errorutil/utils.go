package errorutil

import "errors"

// IsTemporaryErr returns true if the error is temporary.
func IsTemporaryErr(err error) bool {
	var e interface{ Temporary() bool }
	return errors.As(err, &e) && e.Temporary()
}

// IsTimeoutErr returns true if the error is a timeout error.
func IsTimeoutErr(err error) bool {
	var e interface{ Timeout() bool }
	return errors.As(err, &e) && e.Timeout()
}
