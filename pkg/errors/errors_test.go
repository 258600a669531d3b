package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with all defaults", func(t *testing.T) {
		err := NewError(ErrCodeInvalidResource, "no scheme in name")
		if err == nil {
			t.Fatal("NewError returned nil")
		}
		if err.Code != ErrCodeInvalidResource {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidResource)
		}
		if err.Category != CategoryResource {
			t.Errorf("Category = %v, want %v", err.Category, CategoryResource)
		}
		if err.Details == nil || err.Context == nil {
			t.Error("Details or Context map is nil")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("sets correct retryable defaults", func(t *testing.T) {
		if !NewError(ErrCodeNetworkTransient, "reset").Retryable {
			t.Error("NetworkTransient should be retryable by default")
		}
		if NewError(ErrCodeHTTPStatus, "404").Retryable {
			t.Error("HTTPStatus must never be retryable")
		}
		if NewError(ErrCodeNetworkUnavailable, "gone").Retryable {
			t.Error("NetworkUnavailable should not be retryable")
		}
	})
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodeInvalidConfig, CategoryConfiguration},
		{ErrCodeConfigLoad, CategoryConfiguration},
		{ErrCodeHTTPStatus, CategoryConnection},
		{ErrCodeNetworkTransient, CategoryConnection},
		{ErrCodeNetworkUnavailable, CategoryConnection},
		{ErrCodeConnectionClosed, CategoryConnection},
		{ErrCodeInvalidResource, CategoryResource},
		{ErrCodeCacheBookkeeping, CategoryResource},
		{ErrCodeReadOnly, CategoryFilesystem},
		{ErrCodeHandleClosed, CategoryState},
		{ErrCodeRetryExhausted, CategoryOperation},
		{ErrCodeInternalError, CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := GetCategory(tt.code); got != tt.want {
				t.Errorf("GetCategory(%s) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestVFSError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *VFSError
		want string
	}{
		{
			name: "code and message",
			err:  NewError(ErrCodeHTTPStatus, "status 404"),
			want: "HTTP_STATUS: status 404",
		},
		{
			name: "with component",
			err:  NewError(ErrCodeHTTPStatus, "status 404").WithComponent("transport"),
			want: "[transport] HTTP_STATUS: status 404",
		},
		{
			name: "with component and operation",
			err:  NewError(ErrCodeHTTPStatus, "status 404").WithComponent("transport").WithOperation("get_range"),
			want: "[transport:get_range] HTTP_STATUS: status 404",
		},
		{
			name: "with cause",
			err:  Wrap(ErrCodeNetworkTransient, fmt.Errorf("connection reset"), "fetch failed"),
			want: "NETWORK_TRANSIENT: fetch failed: connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestVFSError_IsAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("dial tcp: connection refused")
	err := Wrap(ErrCodeNetworkTransient, cause, "fetch failed")
	wrapped := fmt.Errorf("read: %w", err)

	if !errors.Is(wrapped, ErrTransientNetwork) {
		t.Error("errors.Is should match by code through fmt wrapping")
	}
	if errors.Is(wrapped, ErrHTTPStatus) {
		t.Error("errors.Is matched a different code")
	}
	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is should reach the cause")
	}

	var vfsErr *VFSError
	if !errors.As(wrapped, &vfsErr) {
		t.Fatal("errors.As failed")
	}
	if vfsErr.Code != ErrCodeNetworkTransient {
		t.Errorf("Code = %v", vfsErr.Code)
	}
}

func TestCodeOf(t *testing.T) {
	t.Parallel()

	if got := CodeOf(fmt.Errorf("x: %w", NewError(ErrCodeReadOnly, "ro"))); got != ErrCodeReadOnly {
		t.Errorf("CodeOf = %v, want %v", got, ErrCodeReadOnly)
	}
	if got := CodeOf(fmt.Errorf("plain")); got != ErrCodeInternalError {
		t.Errorf("CodeOf(plain) = %v, want %v", got, ErrCodeInternalError)
	}
	if got := CodeOf(nil); got != ErrCodeInternalError {
		t.Errorf("CodeOf(nil) = %v", got)
	}
}

func TestVFSError_String(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeCacheBookkeeping, "rename failed").
		WithComponent("cache").
		WithOperation("save").
		WithDetail("entry", "abc").
		WithCause(fmt.Errorf("ENOENT"))

	s := err.String()
	for _, want := range []string{"Code=CACHE_BOOKKEEPING", "Component=cache", "Operation=save", `"entry":"abc"`, `Cause="ENOENT"`} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, missing %q", s, want)
		}
	}
}
