package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorCodes(t *testing.T) {
	codes := []ErrorCode{
		CodeUnknown,
		CodeValidation,
		CodeConfiguration,
		CodeTimeout,
		CodeCanceled,
		CodeMalformedResponse,
		CodeInvalidParameter,
		CodeTrackerSaturated,
		CodeRateLimited,
		CodeTrafficInterference,
		CodeZombieUnsuitable,
		CodePrivilegeDenied,
		CodeSocketFailure,
		CodeNetworkUnreachable,
		CodeTargetInvalid,
	}

	for _, code := range codes {
		if string(code) == "" {
			t.Errorf("Error code %v should not be empty", code)
		}
	}
}

func TestProbeError(t *testing.T) {
	t.Run("basic error creation", func(t *testing.T) {
		err := NewProbeError(CodeTimeout, "no response")
		if err.Code != CodeTimeout {
			t.Errorf("Expected code %s, got %s", CodeTimeout, err.Code)
		}
		expected := "[TIMEOUT] no response"
		if err.Error() != expected {
			t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
		}
	})

	t.Run("error with target and port", func(t *testing.T) {
		err := NewProbeErrorWithTarget(CodeTimeout, "probe lost", "192.0.2.10", 443)
		expected := "[TIMEOUT] probe lost (target: 192.0.2.10:443)"
		if err.Error() != expected {
			t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
		}
	})

	t.Run("error with target only", func(t *testing.T) {
		err := NewProbeErrorWithTarget(CodeTargetInvalid, "bad target", "192.0.2.10", 0)
		expected := "[TARGET_INVALID] bad target (target: 192.0.2.10)"
		if err.Error() != expected {
			t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
		}
	})

	t.Run("wrapped error", func(t *testing.T) {
		cause := fmt.Errorf("sendto: operation not permitted")
		err := WrapProbeError(CodeSocketFailure, "send failed", cause)
		if !errors.Is(err, cause) {
			t.Error("Wrapped error should be unwrappable")
		}
	})

	t.Run("with technique", func(t *testing.T) {
		err := NewProbeError(CodeTimeout, "no response").WithTechnique("syn")
		if err.Technique != "syn" {
			t.Errorf("Expected technique 'syn', got '%s'", err.Technique)
		}
	})
}

func TestParseError(t *testing.T) {
	err := NewParseError("truncated header", "tcp", 14)
	if err.Code != CodeMalformedResponse {
		t.Errorf("Expected code %s, got %s", CodeMalformedResponse, err.Code)
	}
	expected := "[MALFORMED_RESPONSE] truncated header (layer: tcp, offset: 14)"
	if err.Error() != expected {
		t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
	}

	cause := fmt.Errorf("short read")
	wrapped := WrapParseError("decode failed", cause)
	if !errors.Is(wrapped, cause) {
		t.Error("Wrapped parse error should be unwrappable")
	}
}

func TestConfigError(t *testing.T) {
	t.Run("field error", func(t *testing.T) {
		err := NewConfigFieldError(CodeValidation, "out of range", "rate", -1)
		expected := "[VALIDATION] out of range (field: rate)"
		if err.Error() != expected {
			t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
		}
		if err.Value != -1 {
			t.Errorf("Expected value -1, got %v", err.Value)
		}
	})

	t.Run("wrapped error", func(t *testing.T) {
		cause := fmt.Errorf("yaml: line 3")
		err := WrapConfigError(CodeConfiguration, "parse failed", cause)
		if !errors.Is(err, cause) {
			t.Error("Wrapped config error should be unwrappable")
		}
	})
}

func TestRateError(t *testing.T) {
	err := NewRateError("192.0.2.10", 5*time.Millisecond)
	if err.Code != CodeRateLimited {
		t.Errorf("Expected code %s, got %s", CodeRateLimited, err.Code)
	}
	if err.RetryAfter != 5*time.Millisecond {
		t.Errorf("Expected retry after 5ms, got %s", err.RetryAfter)
	}
	expected := "[RATE_LIMITED] send permit denied for 192.0.2.10 (retry after 5ms)"
	if err.Error() != expected {
		t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
	}
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"probe error", NewProbeError(CodeTimeout, "x"), CodeTimeout},
		{"parse error", NewParseError("x", "ip", 0), CodeMalformedResponse},
		{"config error", NewConfigError(CodeConfiguration, "x"), CodeConfiguration},
		{"rate error", NewRateError("t", 0), CodeRateLimited},
		{"plain error", fmt.Errorf("plain"), CodeUnknown},
		{"nil", nil, CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.want {
				t.Errorf("GetCode() = %s, want %s", got, tt.want)
			}
			if !IsCode(tt.err, tt.want) {
				t.Errorf("IsCode(%s) should be true", tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := []error{
		ErrProbeTimeout("192.0.2.10", 80),
		ErrTrackerSaturated(1024),
		NewRateError("192.0.2.10", time.Millisecond),
		NewProbeError(CodeTrafficInterference, "ipid jumped"),
	}
	for _, err := range retryable {
		if !IsRetryable(err) {
			t.Errorf("%v should be retryable", err)
		}
	}

	if IsRetryable(ErrPrivilegeDenied(fmt.Errorf("EPERM"))) {
		t.Error("privilege errors are not retryable")
	}
	if IsRetryable(NewParseError("x", "tcp", 0)) {
		t.Error("parse errors are dropped, not retried")
	}
}

func TestIsFatal(t *testing.T) {
	fatal := []error{
		ErrPrivilegeDenied(fmt.Errorf("EPERM")),
		ErrInvalidMTU(12),
		NewConfigError(CodeConfiguration, "bad file"),
	}
	for _, err := range fatal {
		if !IsFatal(err) {
			t.Errorf("%v should be fatal", err)
		}
	}

	if IsFatal(ErrProbeTimeout("192.0.2.10", 80)) {
		t.Error("probe timeouts are not fatal")
	}
	if IsFatal(ErrConfigInvalid("ports", "")) {
		t.Error("validation errors reject one configuration, not the process")
	}
}

func TestErrInvalidMTU(t *testing.T) {
	err := ErrInvalidMTU(12)
	if err.Code != CodeInvalidParameter {
		t.Errorf("Expected code %s, got %s", CodeInvalidParameter, err.Code)
	}
	if err.Value != 12 {
		t.Errorf("Expected value 12, got %v", err.Value)
	}
}
