package errors

import (
	"net/http"
	"testing"
)

func TestNewSetsRetryable(t *testing.T) {
	err := New(CodeTransient, "step timed out")
	if !err.Retryable {
		t.Fatal("expected transient error to be retryable")
	}

	err = New(CodeBusinessRejected, "sanctions hit")
	if err.Retryable {
		t.Fatal("expected business rejection to be non-retryable")
	}
}

func TestErrorString(t *testing.T) {
	err := New(CodeCircuitOpen, "payout executor unavailable")
	want := "[CIRCUIT_OPEN] payout executor unavailable"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}

func TestNewWithDefaultFallsBack(t *testing.T) {
	err := NewWithDefault(CodeValidation, "")
	if err.Message != "validation failed" {
		t.Fatalf("expected default message, got %q", err.Message)
	}

	err = NewWithDefault(CodeValidation, "amount must be positive")
	if err.Message != "amount must be positive" {
		t.Fatalf("expected explicit message, got %q", err.Message)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeValidation, http.StatusBadRequest},
		{CodeNotFound, http.StatusNotFound},
		{CodeSagaTerminal, http.StatusConflict},
		{CodeBusinessRejected, http.StatusUnprocessableEntity},
		{CodeCircuitOpen, http.StatusServiceUnavailable},
		{CodeConsistencyViolation, http.StatusInternalServerError},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeTimeout, http.StatusGatewayTimeout},
	}

	for _, tt := range tests {
		got := New(tt.code, "x").HTTPStatus()
		if got != tt.want {
			t.Fatalf("code %s: expected status %d, got %d", tt.code, tt.want, got)
		}
	}
}

func TestWithRequestID(t *testing.T) {
	err := New(CodeInternal, "boom").WithRequestID("req-1")
	if err.RequestID != "req-1" {
		t.Fatalf("expected request id req-1, got %q", err.RequestID)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(CodeSagaLocked) {
		t.Fatal("expected saga locked to be retryable")
	}
	if IsRetryable(CodeFatal) {
		t.Fatal("expected fatal to be non-retryable")
	}
}
