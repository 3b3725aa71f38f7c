package fault

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Message(t *testing.T) {
	err := NewDataError("malformed document", errors.New("unexpected EOF")).
		WithSubject("core.base/resources").
		WithOperation("read")

	msg := err.Error()
	for _, want := range []string{"[data]", "malformed document", "subject=core.base/resources", "operation=read", "unexpected EOF"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected message to contain %q, got: %s", want, msg)
		}
	}
}

func TestError_IsMatchesClassAndCode(t *testing.T) {
	sentinel := Sentinel(ClassUsage, CodeMemberNotFound, "member not found")
	err := fmt.Errorf("lookup: %w", From(sentinel, "no frame answers Reader", nil))

	if !errors.Is(err, sentinel) {
		t.Fatalf("Expected errors.Is to match sentinel")
	}

	other := Sentinel(ClassUsage, CodeNoSource, "no source")
	if errors.Is(err, other) {
		t.Errorf("Expected errors.Is not to match a different code")
	}
}

func TestClassHelpers(t *testing.T) {
	tests := []struct {
		name string
		err  error
		is   func(error) bool
	}{
		{"usage", NewUsageError("x", nil), IsUsage},
		{"data", NewDataError("x", nil), IsData},
		{"lock", NewLockError("x", nil), IsLock},
		{"internal", NewInternalError("x", nil), IsInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.is(fmt.Errorf("wrapped: %w", tt.err)) {
				t.Errorf("Expected %s helper to match wrapped error", tt.name)
			}
			if tt.is(errors.New("plain")) {
				t.Errorf("Expected %s helper not to match a plain error", tt.name)
			}
		})
	}
}

func TestHasCode_WalksChain(t *testing.T) {
	inner := NewDataError("cycle", nil).WithCode(CodeCycle)
	outer := NewInternalError("chain failed", inner).WithCode(CodeInternal)

	if !HasCode(outer, CodeCycle) {
		t.Errorf("Expected HasCode to find nested code")
	}
	if HasCode(outer, CodeDuplicate) {
		t.Errorf("Expected HasCode not to find absent code")
	}
}

func TestLockError_HasCode(t *testing.T) {
	err := NewLockError("could not lock", nil)
	if err.Code != CodeLockFailed {
		t.Errorf("Expected code %s, got: %s", CodeLockFailed, err.Code)
	}
}
