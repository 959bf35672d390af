package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass decides what a caller does with an error: retry it, reject the
// input, or stop.
type ErrorClass int

const (
	ErrorTransient ErrorClass = iota
	ErrorInvalid
	ErrorFatal
)

var classNames = [...]string{
	ErrorTransient: "transient",
	ErrorInvalid:   "invalid",
	ErrorFatal:     "fatal",
}

func (ec ErrorClass) String() string {
	if ec < 0 || int(ec) >= len(classNames) {
		return "unknown"
	}
	return classNames[ec]
}

// Pipeline error taxonomy
var (
	// ErrValidation marks an event rejected at the receiver boundary.
	ErrValidation = errors.New("validation failed")
	// ErrCapacityExceeded is returned by Stream.Append when the stream is at
	// max length and nothing can be trimmed.
	ErrCapacityExceeded = errors.New("stream capacity exceeded")
	// ErrDeliveryFailure marks a failed sink write. Entries stay pending.
	ErrDeliveryFailure = errors.New("delivery failure")
	// ErrMaxRetriesExceeded marks an entry moved to the dead-letter store.
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	// ErrClaimExpired is raised internally when a claim passed its visibility timeout.
	ErrClaimExpired = errors.New("claim expired")
	// ErrGroupNotFound is returned for operations on an unregistered consumer group.
	ErrGroupNotFound = errors.New("consumer group not found")
	// ErrLateArrival is returned when a metric sample targets an already flushed window.
	ErrLateArrival = errors.New("late arrival for closed window")
)

// Lifecycle and infrastructure errors
var (
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")
	ErrStreamClosed   = errors.New("stream closed")

	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")

	ErrInvalidData    = errors.New("invalid data format")
	ErrDataCorrupted  = errors.New("data corrupted")
	ErrChecksumFailed = errors.New("checksum validation failed")
	ErrParsingFailed  = errors.New("parsing failed")

	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrKeyNotFound        = errors.New("key not found")

	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrRateLimited  = errors.New("rate limited")

	ErrCircuitOpen = errors.New("circuit breaker open")
)

// Unclassified errors are matched first against these sentinels, then
// against lowercase substrings of their message.
var (
	transientSentinels = []error{
		ErrCapacityExceeded, ErrDeliveryFailure, ErrConnectionTimeout, ErrConnectionLost,
		ErrNoConnection, ErrStorageUnavailable, ErrRateLimited, ErrCircuitOpen,
		context.DeadlineExceeded, context.Canceled,
	}
	transientWords = []string{"timeout", "connection", "network", "temporary", "unavailable", "busy"}

	fatalSentinels = []error{ErrInvalidConfig, ErrMissingConfig, ErrDataCorrupted, ErrStreamClosed}
	fatalWords     = []string{"fatal", "panic", "corrupted", "out of memory", "disk full"}

	invalidSentinels = []error{ErrValidation, ErrInvalidData, ErrParsingFailed, ErrChecksumFailed, ErrLateArrival}
)

// ClassifiedError carries an explicit class, which wins over sentinel and
// message matching.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

func (ce *ClassifiedError) Unwrap() error { return ce.Err }

func explicitClass(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return 0, false
}

func matches(err error, sentinels []error, words []string) bool {
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return true
		}
	}
	if len(words) == 0 {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, w := range words {
		if strings.Contains(msg, w) {
			return true
		}
	}
	return false
}

func is(err error, class ErrorClass, sentinels []error, words []string) bool {
	if err == nil {
		return false
	}
	if c, ok := explicitClass(err); ok {
		return c == class
	}
	return matches(err, sentinels, words)
}

// IsTransient reports whether retrying err may succeed.
func IsTransient(err error) bool {
	return is(err, ErrorTransient, transientSentinels, transientWords)
}

// IsFatal reports whether err should stop the process or worker.
func IsFatal(err error) bool {
	return is(err, ErrorFatal, fatalSentinels, fatalWords)
}

// IsInvalid reports whether err is caused by bad input.
func IsInvalid(err error) bool {
	return is(err, ErrorInvalid, invalidSentinels, nil)
}

// Classify returns err's class. Unknown errors are transient so callers
// retry rather than drop.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorTransient
	case IsInvalid(err):
		return ErrorInvalid
	case IsFatal(err):
		return ErrorFatal
	default:
		return ErrorTransient
	}
}

// Is is errors.Is.
func Is(err, target error) bool { return errors.Is(err, target) }

// As is errors.As.
func As(err error, target any) bool { return errors.As(err, target) }

// New is errors.New.
func New(text string) error { return errors.New(text) }

// Wrap formats err as "component.method: action failed: err".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return &ClassifiedError{
		Class:     class,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps err and marks it retryable.
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapFatal wraps err and marks it fatal.
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}

// WrapInvalid wraps err and marks it as bad input.
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}
