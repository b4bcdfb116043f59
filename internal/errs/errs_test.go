package errs

import (
	"errors"
	"testing"
)

func TestRetryableDefaultsFromKind(t *testing.T) {
	err := New(KindProviderCommunication, "connection reset", nil)
	if !err.Retryable() {
		t.Error("expected PROVIDER_COMMUNICATION to be retryable by default")
	}
	if !err.Recoverable() {
		t.Error("expected PROVIDER_COMMUNICATION to be recoverable by default")
	}
}

func TestRetryableOverrideWins(t *testing.T) {
	err := New(KindInternal, "provider says retry me", nil).WithRetryable(true)
	if !err.Retryable() {
		t.Error("expected explicit override to win over Kind default")
	}
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := New(KindProviderCommunication, "dial failed", cause)
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to see through wrapped cause")
	}
}

func TestKindOfNonTaxonomyError(t *testing.T) {
	if KindOf(errors.New("plain error")) != KindInternal {
		t.Error("expected plain errors to classify as INTERNAL")
	}
}

func TestWireError(t *testing.T) {
	err := Wrap(KindValidation, "amount must be positive", nil, map[string]any{"field": "amount"})
	wire := err.WireError("req-123")
	if wire.Code != KindValidation || wire.RequestID != "req-123" || wire.Details["field"] != "amount" {
		t.Errorf("unexpected wire shape: %+v", wire)
	}
}
