package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsMatchesByKind(t *testing.T) {
	sentinel := New(KindAlreadyAssigned, "award already given out")
	wrapped := fmt.Errorf("issue award: %w", Wrap(KindAlreadyAssigned, errors.New("cas failed"), "award already given out"))

	if !errors.Is(wrapped, sentinel) {
		t.Fatalf("expected wrapped error to match sentinel by kind")
	}
	if errors.Is(wrapped, New(KindNotOwner, "")) {
		t.Fatalf("expected kinds to differ")
	}
	if KindOf(wrapped) != KindAlreadyAssigned {
		t.Fatalf("expected kind %s, got %s", KindAlreadyAssigned, KindOf(wrapped))
	}
	if ReasonOf(wrapped) != "award already given out" {
		t.Fatalf("unexpected reason %q", ReasonOf(wrapped))
	}
}

func TestKindOfPlainError(t *testing.T) {
	if KindOf(errors.New("boom")) != KindInternal {
		t.Fatalf("plain errors should classify as internal")
	}
	if KindOf(nil) != "" {
		t.Fatalf("nil error should have no kind")
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(New(KindConfirmationTimeout, "timeout")) {
		t.Fatalf("confirmation timeout should be retryable")
	}
	if Retryable(New(KindUnauthorized, "nope")) {
		t.Fatalf("authorization errors must not be retried")
	}
	if !Retryable(New(KindReserved, "held")) {
		t.Fatalf("a reservation held by another request should be retryable")
	}
	if Retryable(New(KindAlreadyAssigned, "taken")) {
		t.Fatalf("an assigned award must not be retried")
	}
	if HTTPStatus(KindReserved) != http.StatusConflict {
		t.Fatalf("award reserved should map to 409")
	}
	if HTTPStatus(KindAlreadyAssigned) != http.StatusConflict {
		t.Fatalf("already assigned should map to 409")
	}
}
