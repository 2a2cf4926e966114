// Package errors provides standardized error handling patterns for cellmate components.
// It includes error classification, the request/reply error taxonomy, and helper
// functions for consistent error wrapping and classification across the system.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried by the caller
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop the request
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Request/reply taxonomy. Every failure handed to a caller matches exactly one
// of these with errors.Is, except composite outcomes which may match two
// (a timed-out wait whose publish ack also failed).
var (
	// ErrInvalidImageBuffer is returned when a pixel buffer does not match its
	// declared dimensions and format. Raised before any network activity.
	ErrInvalidImageBuffer = errors.New("invalid image buffer")

	// ErrSubscriptionRejected is returned when the transport refuses the reply
	// subscription. No publish is attempted afterwards.
	ErrSubscriptionRejected = errors.New("subscription rejected")

	// ErrPublishFailed is returned when the transport did not accept the request.
	ErrPublishFailed = errors.New("publish failed")

	// ErrReplyTimeout is returned when no reply arrived within the wait bound.
	ErrReplyTimeout = errors.New("reply timeout")

	// ErrTransportUnavailable is returned for I/O failures while setting up a
	// subscription or a publish.
	ErrTransportUnavailable = errors.New("transport unavailable")
)

// Conditions shared by the transports, codecs and configuration
var (
	ErrAlreadyStarted = errors.New("component already started")

	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrCircuitOpen       = errors.New("circuit breaker open")

	ErrInvalidData   = errors.New("invalid data format")
	ErrParsingFailed = errors.New("parsing failed")

	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// Substrings that classify errors from libraries that expose no sentinels
var (
	transientHints = []string{"timeout", "connection", "network", "temporary", "unavailable", "busy"}
	fatalHints     = []string{"fatal", "panic", "permission", "invalid config", "missing config"}
)

func mentions(err error, hints []string) bool {
	msg := strings.ToLower(err.Error())
	for _, h := range hints {
		if strings.Contains(msg, h) {
			return true
		}
	}
	return false
}

// AckError carries the reason a transport gave when it acknowledged an
// operation with a non-ok status. It matches its taxonomy sentinel via errors.Is.
type AckError struct {
	Op     string // "subscribe" or "publish"
	Topic  string
	Reason string
	kind   error
}

// Error implements the error interface
func (e *AckError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%v: %s", e.kind, e.Topic)
	}
	return fmt.Sprintf("%v: %s: %s", e.kind, e.Topic, e.Reason)
}

// Unwrap returns the taxonomy sentinel
func (e *AckError) Unwrap() error {
	return e.kind
}

// SubscriptionRejected builds the error for a subscription ack that was not ok.
func SubscriptionRejected(topic, reason string) error {
	return &AckError{Op: "subscribe", Topic: topic, Reason: reason, kind: ErrSubscriptionRejected}
}

// PublishRejected builds the error for a publish ack that was not ok.
func PublishRejected(topic, reason string) error {
	return &AckError{Op: "publish", Topic: topic, Reason: reason, kind: ErrPublishFailed}
}

// Reason extracts the transport-supplied reason from an ack error chain.
func Reason(err error) string {
	var ae *AckError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ""
}

// Unavailable marks a transport I/O error as ErrTransportUnavailable while
// keeping the original cause in the chain.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransportUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
}

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and a caller retry may succeed
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	// Rejections and caller errors never heal on their own
	if errors.Is(err, ErrSubscriptionRejected) || errors.Is(err, ErrInvalidImageBuffer) {
		return false
	}

	for _, target := range []error{
		ErrReplyTimeout, ErrPublishFailed, ErrTransportUnavailable,
		ErrConnectionTimeout, ErrNoConnection, ErrCircuitOpen,
		context.DeadlineExceeded, context.Canceled,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return mentions(err, transientHints)
}

// IsFatal checks if an error is fatal and the request must not be repeated as is
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	if errors.Is(err, ErrSubscriptionRejected) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) {
		return true
	}
	return mentions(err, fatalHints)
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrInvalidImageBuffer) ||
		errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrParsingFailed)
}

// Classify returns the class of err. Invalid beats fatal; anything
// unrecognised is transient.
func Classify(err error) ErrorClass {
	switch {
	case IsInvalid(err):
		return ErrorInvalid
	case IsFatal(err):
		return ErrorFatal
	default:
		return ErrorTransient
	}
}

func classified(class ErrorClass, err error, component, method, action string) error {
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

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	return classified(ErrorTransient, err, component, method, action)
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	return classified(ErrorFatal, err, component, method, action)
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	return classified(ErrorInvalid, err, component, method, action)
}
