package attempt

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Cause classifies why an attempt (or a whole acquisition) did not succeed.
type Cause string

const (
	AuthenticationChallenge Cause = "authentication_challenge"
	RateLimited             Cause = "rate_limited"
	NotFound                Cause = "not_found"
	TooLarge                Cause = "too_large"
	Timeout                 Cause = "timeout"
	Unsupported             Cause = "unsupported"
	Unknown                 Cause = "unknown"

	// AllStrategiesExhausted is only ever a terminal cause. The cause of
	// the final failed attempt travels alongside it in Outcome.Last.
	AllStrategiesExhausted Cause = "all_strategies_exhausted"
)

// Recoverable reports whether the sequencer should try the next profile.
func (c Cause) Recoverable() bool {
	switch c {
	case Unsupported, AllStrategiesExhausted:
		return false
	default:
		return true
	}
}

// Benign reports whether the cause is an expected upstream refusal that
// should be logged at low severity and not reported to the requester.
func (c Cause) Benign() bool {
	return c == AuthenticationChallenge || c == NotFound
}

// Kind tags an Outcome.
type Kind int

const (
	KindSuccess Kind = iota
	KindRecoverable
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRecoverable:
		return "recoverable"
	case KindFatal:
		return "fatal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Artifact is a media file produced inside a workspace.
type Artifact struct {
	Path     string
	Title    string
	Size     int64
	Duration time.Duration
}

// Outcome is the result of one attempt, or the terminal result of a
// sequence of attempts. The zero value is not meaningful; use the
// constructors.
type Outcome struct {
	Kind     Kind
	Artifact Artifact
	Cause    Cause
	// Last is set when Cause is AllStrategiesExhausted.
	Last Cause
	// Detail carries raw diagnostics for logs. Never show it to end users.
	Detail string
}

func Success(a Artifact) Outcome {
	return Outcome{Kind: KindSuccess, Artifact: a}
}

func Recoverable(c Cause, detail string) Outcome {
	return Outcome{Kind: KindRecoverable, Cause: c, Detail: detail}
}

func Fatal(c Cause, detail string) Outcome {
	return Outcome{Kind: KindFatal, Cause: c, Detail: detail}
}

// Exhausted is the terminal outcome after every profile failed.
func Exhausted(last Cause, detail string) Outcome {
	return Outcome{Kind: KindFatal, Cause: AllStrategiesExhausted, Last: last, Detail: detail}
}

// Failed builds a recoverable or fatal outcome according to the cause.
func Failed(c Cause, detail string) Outcome {
	if c.Recoverable() {
		return Recoverable(c, detail)
	}
	return Fatal(c, detail)
}

func (o Outcome) OK() bool { return o.Kind == KindSuccess }

// Effective returns the most specific cause: Last for an exhausted
// sequence, Cause otherwise.
func (o Outcome) Effective() Cause {
	if o.Cause == AllStrategiesExhausted && o.Last != "" {
		return o.Last
	}
	return o.Cause
}

// Err returns nil for a success and an *Error otherwise.
func (o Outcome) Err() error {
	if o.OK() {
		return nil
	}
	return &Error{Cause: o.Cause, Last: o.Last, Detail: o.Detail}
}

func (o Outcome) String() string {
	switch {
	case o.OK():
		return fmt.Sprintf("success(%s)", o.Artifact.Path)
	case o.Cause == AllStrategiesExhausted:
		return fmt.Sprintf("%s(%s: %s)", o.Kind, o.Cause, o.Last)
	default:
		return fmt.Sprintf("%s(%s)", o.Kind, o.Cause)
	}
}

// Error is the error form of a failed Outcome.
type Error struct {
	Cause  Cause
	Last   Cause
	Detail string
}

func (e *Error) Error() string {
	msg := string(e.Cause)
	if e.Last != "" {
		msg += " (last cause: " + string(e.Last) + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is matches another *Error with the same Cause, so errors.Is works
// against sentinel values like &Error{Cause: Timeout}.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Cause == e.Cause
}

// CauseOf maps an arbitrary error onto the taxonomy. A nil error has no cause.
func CauseOf(err error) Cause {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Cause
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Unknown
}
