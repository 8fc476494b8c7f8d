package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindAndMessageSurviveWrapping(t *testing.T) {
	sentinel := New(KindAuthorization, "", "Not authorized", nil)
	wrapped := fmt.Errorf("join: %w", New(KindAuthorization, "rooms.join", "Not authorized", nil))

	if !errors.Is(wrapped, sentinel) {
		t.Fatalf("expected wrapped error to match sentinel")
	}
	if KindOf(wrapped) != KindAuthorization {
		t.Fatalf("unexpected kind: %s", KindOf(wrapped))
	}
	if MessageOf(wrapped) != "Not authorized" {
		t.Fatalf("unexpected message: %s", MessageOf(wrapped))
	}
	if HTTPStatus(KindOf(wrapped)) != http.StatusForbidden {
		t.Fatalf("expected forbidden status")
	}
}

func TestUnknownErrorsAreInternal(t *testing.T) {
	err := errors.New("boom")
	if KindOf(err) != KindInternal {
		t.Fatalf("expected internal kind")
	}
	if MessageOf(err) != "internal error" {
		t.Fatalf("expected internal message to hide cause, got %q", MessageOf(err))
	}
	if HTTPStatus(KindPersistence) != http.StatusInternalServerError {
		t.Fatalf("expected 500 for persistence failures")
	}
}
