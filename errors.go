package scheduler

import (
	"errors"
	"fmt"
)

// ErrScheduleConfigInvalid marks a schedule_config that does not satisfy
// the shape its schedule_type requires. Wrapped errors carry the detail.
var ErrScheduleConfigInvalid = errors.New("invalid schedule config")

// ErrJobNotActive is returned by manual triggers on paused jobs.
var ErrJobNotActive = errors.New("scheduled job is not active")

// ErrRunInFlight is returned when a fire overlaps an execution already in
// progress for the same job id.
var ErrRunInFlight = errors.New("run already in flight for this job")

// ErrNotStarted is returned by operations that need a running dispatcher.
var ErrNotStarted = errors.New("scheduler not started")

// ErrorKind classifies Runner failures so callers can branch without string
// matching.
type ErrorKind string

const (
	KindRemoteError       ErrorKind = "remote_error"
	KindRemoteTimeout     ErrorKind = "remote_timeout"
	KindRemoteRateLimited ErrorKind = "remote_rate_limited"
	KindRemoteUnavailable ErrorKind = "remote_unavailable"
	KindLocalTimeout      ErrorKind = "local_timeout"
	KindPollTimeout       ErrorKind = "poll_timeout"
)

// RunError is a typed Runner failure. It terminates the run it occurred in;
// the schedule itself is the retry policy.
type RunError struct {
	Kind    ErrorKind
	Message string
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newRunError(kind ErrorKind, format string, args ...any) *RunError {
	return &RunError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// RunErrorKind extracts the kind from an error chain, or "" if the error is
// not a RunError.
func RunErrorKind(err error) ErrorKind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}
