package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindUnknown, "unknown"},
		{KindProviderUnavailable, "provider_unavailable"},
		{KindProviderRejected, "provider_rejected"},
		{KindToolExecutionFailed, "tool_execution_failed"},
		{KindBudgetExceeded, "budget_exceeded"},
		{KindIterationLimitExceeded, "iteration_limit_exceeded"},
		{KindUnknownTool, "unknown_tool"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestKindOf_Wrapped(t *testing.T) {
	base := New(KindProviderUnavailable, "anthropic", errors.New("connection refused"))
	wrapped := fmt.Errorf("call model: %w", base)

	if got := KindOf(wrapped); got != KindProviderUnavailable {
		t.Errorf("KindOf(wrapped) = %v, want KindProviderUnavailable", got)
	}
}

func TestKindOf_Unclassified(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Errorf("KindOf(plain) = %v, want KindUnknown", got)
	}
	if got := KindOf(nil); got != KindUnknown {
		t.Errorf("KindOf(nil) = %v, want KindUnknown", got)
	}
}

func TestRecoverable(t *testing.T) {
	unavailable := New(KindProviderUnavailable, "openai", errors.New("503"))
	rejected := New(KindProviderRejected, "openai", errors.New("invalid api key"))

	if !Recoverable(unavailable) {
		t.Error("provider_unavailable should be recoverable")
	}
	if !Recoverable(rejected) {
		t.Error("provider_rejected should be recoverable")
	}
	if Recoverable(errors.New("plain")) {
		t.Error("unclassified errors should not be recoverable")
	}
	if Recoverable(New(KindBudgetExceeded, "", nil)) {
		t.Error("budget_exceeded should not be recoverable")
	}
}

func TestErrorString(t *testing.T) {
	e := New(KindToolExecutionFailed, "search", errors.New("timeout"))
	want := "tool_execution_failed: search: timeout"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}

	bare := &Error{Kind: KindBudgetExceeded}
	if bare.Error() != "budget_exceeded" {
		t.Errorf("bare Error() = %q, want budget_exceeded", bare.Error())
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	e := New(KindProviderUnavailable, "ollama", cause)
	if !errors.Is(e, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}
