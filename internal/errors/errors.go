// Package errors provides structured error handling for packetrake operations.
// It defines error codes, error types, and provides utilities for creating
// and handling errors with context and structured information.
package errors

import (
	"fmt"
	"time"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"

	// Packet-level errors.
	CodeMalformedResponse ErrorCode = "MALFORMED_RESPONSE"
	CodeInvalidParameter  ErrorCode = "INVALID_PARAMETER"

	// Probe correlation and pacing errors.
	CodeTrackerSaturated ErrorCode = "TRACKER_SATURATED"
	CodeRateLimited      ErrorCode = "RATE_LIMITED"

	// Idle scan errors.
	CodeTrafficInterference ErrorCode = "TRAFFIC_INTERFERENCE"
	CodeZombieUnsuitable    ErrorCode = "ZOMBIE_UNSUITABLE"

	// Transport and privilege errors.
	CodePrivilegeDenied    ErrorCode = "PRIVILEGE_DENIED"
	CodeSocketFailure      ErrorCode = "SOCKET_FAILURE"
	CodeNetworkUnreachable ErrorCode = "NETWORK_UNREACHABLE"
	CodeTargetInvalid      ErrorCode = "TARGET_INVALID"
)

// ProbeError represents an error that occurred while sending or classifying
// a probe.
type ProbeError struct {
	Code      ErrorCode
	Message   string
	Target    string
	Port      uint16
	Technique string
	Cause     error
}

// Error implements the error interface.
func (e *ProbeError) Error() string {
	if e.Target != "" && e.Port > 0 {
		return fmt.Sprintf("[%s] %s (target: %s:%d)", e.Code, e.Message, e.Target, e.Port)
	}
	if e.Target != "" {
		return fmt.Sprintf("[%s] %s (target: %s)", e.Code, e.Message, e.Target)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ProbeError) Unwrap() error {
	return e.Cause
}

// WithTechnique annotates the error with the scan technique in use.
func (e *ProbeError) WithTechnique(technique string) *ProbeError {
	e.Technique = technique
	return e
}

// NewProbeError creates a new probe error with the specified code and message.
func NewProbeError(code ErrorCode, message string) *ProbeError {
	return &ProbeError{Code: code, Message: message}
}

// NewProbeErrorWithTarget creates a probe error for a specific target and port.
func NewProbeErrorWithTarget(code ErrorCode, message, target string, port uint16) *ProbeError {
	return &ProbeError{Code: code, Message: message, Target: target, Port: port}
}

// WrapProbeError wraps an existing error as a probe error.
func WrapProbeError(code ErrorCode, message string, err error) *ProbeError {
	return &ProbeError{Code: code, Message: message, Cause: err}
}

// ParseError represents a failure to decode an inbound packet. Parse errors
// are always recovered locally: the packet is dropped and no in-flight probe
// is affected.
type ParseError struct {
	Code    ErrorCode
	Message string
	Layer   string
	Offset  int
	Cause   error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Layer != "" {
		return fmt.Sprintf("[%s] %s (layer: %s, offset: %d)", e.Code, e.Message, e.Layer, e.Offset)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Cause
}

// NewParseError creates a new parse error for the given layer and offset.
func NewParseError(message, layer string, offset int) *ParseError {
	return &ParseError{Code: CodeMalformedResponse, Message: message, Layer: layer, Offset: offset}
}

// WrapParseError wraps a decoder error as a parse error.
func WrapParseError(message string, err error) *ParseError {
	return &ParseError{Code: CodeMalformedResponse, Message: message, Cause: err}
}

// ConfigError represents configuration-related errors. These are rejected
// before any packets are sent and are fatal for that configuration only.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates a new configuration error.
func NewConfigError(code ErrorCode, message string) *ConfigError {
	return &ConfigError{Code: code, Message: message}
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{Code: code, Message: message, Field: field, Value: value}
}

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(code ErrorCode, message string, err error) *ConfigError {
	return &ConfigError{Code: code, Message: message, Cause: err}
}

// RateError signals that a send permit was not granted. Callers must yield
// and reschedule after RetryAfter rather than block.
type RateError struct {
	Code       ErrorCode
	Target     string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateError) Error() string {
	return fmt.Sprintf("[%s] send permit denied for %s (retry after %s)", e.Code, e.Target, e.RetryAfter)
}

// NewRateError creates a would-block error carrying the pacing hint.
func NewRateError(target string, retryAfter time.Duration) *RateError {
	return &RateError{Code: CodeRateLimited, Target: target, RetryAfter: retryAfter}
}

// Utility functions for common error operations

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// GetCode extracts the error code from an error if it has one.
func GetCode(err error) ErrorCode {
	switch e := err.(type) {
	case *ProbeError:
		return e.Code
	case *ParseError:
		return e.Code
	case *ConfigError:
		return e.Code
	case *RateError:
		return e.Code
	}
	return CodeUnknown
}

// IsRetryable determines if an error indicates a retryable condition.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeTimeout, CodeRateLimited, CodeTrafficInterference, CodeTrackerSaturated:
		return true
	default:
		return false
	}
}

// IsFatal determines if an error indicates a fatal condition that should stop execution.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodePrivilegeDenied, CodeConfiguration, CodeInvalidParameter:
		return true
	default:
		return false
	}
}

// Common error creation functions

// ErrInvalidTarget creates an error for invalid scan targets.
func ErrInvalidTarget(target string) *ProbeError {
	return NewProbeErrorWithTarget(CodeTargetInvalid, "invalid target specification", target, 0)
}

// ErrProbeTimeout creates an error for probe timeouts.
func ErrProbeTimeout(target string, port uint16) *ProbeError {
	return NewProbeErrorWithTarget(CodeTimeout, "probe timed out", target, port)
}

// ErrTrackerSaturated creates an error for a probe tracker at capacity.
func ErrTrackerSaturated(capacity int) *ProbeError {
	return NewProbeError(CodeTrackerSaturated,
		fmt.Sprintf("probe tracker at capacity (%d entries)", capacity))
}

// ErrPrivilegeDenied creates an error for raw socket creation failures.
func ErrPrivilegeDenied(err error) *ProbeError {
	return WrapProbeError(CodePrivilegeDenied, "cannot create raw socket (requires elevated privileges)", err)
}

// ErrInvalidMTU creates an error for a fragment size that cannot produce
// legal IP fragments.
func ErrInvalidMTU(mtu int) *ConfigError {
	return NewConfigFieldError(CodeInvalidParameter,
		"fragment size must be a positive multiple of 8", "mtu", mtu)
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "invalid configuration value", field, value)
}
