package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapPreservesCodeThroughChain(t *testing.T) {
	cause := stdErrors.New("connection reset")
	err := fmt.Errorf("save receipt: %w", Wrap(CodeStorageFailure, cause, "写入失败"))

	if got := CodeOf(err); got != CodeStorageFailure {
		t.Fatalf("expected %s, got %s", CodeStorageFailure, got)
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if !HasCode(err, CodeStorageFailure) {
		t.Fatalf("expected HasCode to match")
	}
	if HasCode(err, CodeNotFound) {
		t.Fatalf("unexpected code match")
	}
}

func TestAttributesFallbackToUnknown(t *testing.T) {
	attr := AttributesOf(Code("NOT_REGISTERED"))
	if attr.Severity != SeverityCritical || !attr.Alert {
		t.Fatalf("unexpected fallback attributes: %+v", attr)
	}
	if Registered(Code("NOT_REGISTERED")) {
		t.Fatalf("code should not be registered")
	}
}

func TestRegisterOverridesDefaults(t *testing.T) {
	code := Code("TEST_REGISTER_CODE")
	Register(code, Attributes{Message: "custom", Severity: SeverityWarning, Retryable: true})

	err := New(code, "")
	if err.Message() != "custom" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if !RetryableError(err) {
		t.Fatalf("expected retryable")
	}
	if ShouldAlert(err) {
		t.Fatalf("expected no alert")
	}
	if SeverityOf(err) != SeverityWarning {
		t.Fatalf("unexpected severity %s", SeverityOf(err))
	}
}

func TestOptionsOverrideAttributes(t *testing.T) {
	err := New(CodeTimeout, "slow", WithRetryable(false), WithAlert(true), WithSeverity(SeverityCritical), WithMetadata("agent", "a-1"))
	if err.Retryable() || !err.ShouldAlert() || err.Severity() != SeverityCritical {
		t.Fatalf("options not applied: %+v", err)
	}
	meta := err.Metadata()
	if meta["agent"] != "a-1" {
		t.Fatalf("unexpected metadata %v", meta)
	}
	meta["agent"] = "mutated"
	if err.Metadata()["agent"] != "a-1" {
		t.Fatalf("metadata should be copied")
	}
}

func TestNonTaxonomyErrors(t *testing.T) {
	plain := stdErrors.New("plain")
	if CodeOf(plain) != CodeUnknown {
		t.Fatalf("expected unknown code")
	}
	if RetryableError(plain) || ShouldAlert(plain) {
		t.Fatalf("plain errors carry no attributes")
	}
	if CodeOf(nil) != CodeUnknown {
		t.Fatalf("nil error should map to unknown")
	}
}
