// Package errdefs holds the adapter's error taxonomy. Every error that leaves the
// translator, a provider, the engine or the coordinator can be matched against one of
// the sentinels below with errors.Is.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupportedVerb        = errors.New("unsupported verb")
	ErrCapabilityNotSupported = errors.New("capability not supported")
	ErrPlatformMismatch       = errors.New("platform mismatch")
	ErrExecution              = errors.New("execution error")
	ErrTimedOut               = errors.New("timed out")
	ErrInvalidArgs            = errors.New("invalid arguments")
	ErrPolicyDenied           = errors.New("denied by command policy")
	ErrUnrecognizedPlatform   = errors.New("unrecognized platform")
	ErrRegistrationFailed     = errors.New("registration failed")
	ErrHeartbeatFailed        = errors.New("heartbeat failed")
	ErrReportFailed           = errors.New("result report failed")
)

// Error carries the context of a failed adapter operation.
type Error struct {
	Kind     error  // one of the sentinels above
	Op       string // translate, execute, extension, register, ...
	Verb     string
	Platform string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Verb != "" {
		fmt.Fprintf(&b, " %q", e.Verb)
	}
	if e.Platform != "" {
		fmt.Fprintf(&b, " on %s", e.Platform)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Is lets errors.Is match either the kind or the wrapped cause.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind.
func New(kind error, op, verb, platform string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Verb: verb, Platform: platform, Err: cause}
}

// KindOf returns the sentinel matching err, or nil when err is outside the taxonomy.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range []error{
		ErrUnsupportedVerb, ErrCapabilityNotSupported, ErrPlatformMismatch,
		ErrTimedOut, ErrExecution, ErrInvalidArgs, ErrPolicyDenied,
		ErrUnrecognizedPlatform, ErrRegistrationFailed, ErrHeartbeatFailed, ErrReportFailed,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Code returns a stable snake_case identifier for err, used on the wire and in logs.
func Code(err error) string {
	switch KindOf(err) {
	case ErrUnsupportedVerb:
		return "unsupported_verb"
	case ErrCapabilityNotSupported:
		return "capability_not_supported"
	case ErrPlatformMismatch:
		return "platform_mismatch"
	case ErrTimedOut:
		return "timed_out"
	case ErrExecution:
		return "execution_error"
	case ErrInvalidArgs:
		return "invalid_args"
	case ErrPolicyDenied:
		return "policy_denied"
	case ErrUnrecognizedPlatform:
		return "unrecognized_platform"
	case ErrRegistrationFailed:
		return "registration_failed"
	case ErrHeartbeatFailed:
		return "heartbeat_failed"
	case ErrReportFailed:
		return "report_failed"
	}
	if err == nil {
		return ""
	}
	return "internal"
}
