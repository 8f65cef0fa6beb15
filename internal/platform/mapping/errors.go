package mapping

import (
	"errors"
	"fmt"
	"time"
)

// Class is the failure class of a mapping call. Each class has its own
// retry treatment in the orchestrator.
type Class string

const (
	ClassAuth        Class = "auth"
	ClassRateLimited Class = "rate_limited"
	ClassTimeout     Class = "timeout"
	ClassMalformed   Class = "malformed"
)

// Error is a classified mapping service failure.
type Error struct {
	Class  Class
	Status int
	// RetryAfter is the provider's wait hint; zero when none was sent.
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("mapping %s (status %d): %s", e.Class, e.Status, msg)
	}
	return fmt.Sprintf("mapping %s: %s", e.Class, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the orchestrator may try the call again.
func (e *Error) Retryable() bool {
	return e.Class != ClassAuth
}

// ClassOf returns the class of err, or "" when err is not a mapping Error.
func ClassOf(err error) Class {
	var me *Error
	if errors.As(err, &me) {
		return me.Class
	}
	return ""
}

// AsError unwraps err into a mapping Error.
func AsError(err error) (*Error, bool) {
	var me *Error
	ok := errors.As(err, &me)
	return me, ok
}
