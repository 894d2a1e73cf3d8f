package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewDerivesCategoryAndRetryability(t *testing.T) {
	tests := []struct {
		code      ErrorCode
		category  ErrorCategory
		retryable bool
	}{
		{ErrCodeInvalidConfig, CategoryConfiguration, false},
		{ErrCodeConfigValidation, CategoryConfiguration, false},
		{ErrCodeStoreWrite, CategoryStore, false},
		{ErrCodeItemNotFound, CategoryStore, false},
		{ErrCodeRemoteUnavailable, CategoryRemote, true},
		{ErrCodeRemoteTimeout, CategoryRemote, true},
		{ErrCodeNetworkError, CategoryRemote, true},
		{ErrCodeBreakerOpen, CategoryRemote, true},
		{ErrCodeVersionConflict, CategoryRemote, false},
		{ErrCodeQueueFull, CategorySync, false},
		{ErrCodeRetryExhausted, CategorySync, false},
		{ErrCodeAlreadyStarted, CategoryState, false},
		{ErrCodeInternalError, CategoryInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := New(tt.code, "boom")
			if err.Category != tt.category {
				t.Errorf("category = %s, want %s", err.Category, tt.category)
			}
			if err.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", err.Retryable, tt.retryable)
			}
		})
	}
}

func TestErrorString(t *testing.T) {
	err := New(ErrCodeStoreWrite, "disk full").
		WithComponent("store").
		WithOperation("put")

	want := "[store:put] STORE_WRITE: disk full"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	bare := New(ErrCodeNetworkError, "refused")
	if bare.Error() != "NETWORK_ERROR: refused" {
		t.Errorf("Error() = %q", bare.Error())
	}
}

func TestUnwrapChain(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := Wrap(ErrCodeNetworkError, "remote write failed", cause)

	if !stderrors.Is(err, cause) {
		t.Error("wrapped cause not reachable via errors.Is")
	}

	wrapped := fmt.Errorf("outer: %w", err)
	var se *SyncacheError
	if !stderrors.As(wrapped, &se) {
		t.Fatal("SyncacheError not reachable via errors.As")
	}
	if se.Code != ErrCodeNetworkError {
		t.Errorf("code = %s, want NETWORK_ERROR", se.Code)
	}
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(ErrCodeVersionConflict, "stale write")
	b := New(ErrCodeVersionConflict, "different message")
	c := New(ErrCodeNetworkError, "stale write")

	if !stderrors.Is(a, b) {
		t.Error("errors with equal codes should match")
	}
	if stderrors.Is(a, c) {
		t.Error("errors with different codes should not match")
	}
}

func TestClassifiers(t *testing.T) {
	retryable := fmt.Errorf("wrap: %w", New(ErrCodeRemoteTimeout, "deadline"))
	if !IsRetryable(retryable) {
		t.Error("wrapped timeout should be retryable")
	}
	if IsRetryable(stderrors.New("plain")) {
		t.Error("plain error must not be retryable")
	}
	if IsRetryable(New(ErrCodeVersionConflict, "stale")) {
		t.Error("conflicts must not be retryable")
	}

	if !IsConflict(New(ErrCodeVersionConflict, "stale")) {
		t.Error("IsConflict missed a conflict")
	}
	if !IsNotFound(New(ErrCodeItemNotFound, "gone")) {
		t.Error("IsNotFound missed a not-found")
	}

	override := New(ErrCodeStoreWrite, "flaky disk").WithRetryable(true)
	if !IsRetryable(override) {
		t.Error("WithRetryable(true) should win over the default")
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(New(ErrCodeQueueFull, "full")) != ErrCodeQueueFull {
		t.Error("CodeOf lost the code")
	}
	if CodeOf(stderrors.New("plain")) != ErrCodeInternalError {
		t.Error("plain error should map to INTERNAL_ERROR")
	}
}

func TestStringRepresentation(t *testing.T) {
	err := New(ErrCodeRemoteTimeout, "deadline exceeded").
		WithEntity("item-9").
		WithDetail("timeout_ms", 5000)

	s := err.String()
	for _, want := range []string{"REMOTE_TIMEOUT", "Retryable=true", "item-9", "timeout_ms"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() missing %q in %s", want, s)
		}
	}
}
