package dispatcherr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	base := New(KindAlreadyAssigned, "request already assigned")
	wrapped := fmt.Errorf("respond: %w", base)
	if KindOf(wrapped) != KindAlreadyAssigned {
		t.Fatalf("kind lost through wrapping: %v", KindOf(wrapped))
	}
	if !Is(wrapped, KindAlreadyAssigned) {
		t.Fatal("Is should see through wrapping")
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if KindOf(errors.New("boom")) != KindStoreFailure {
		t.Fatal("unclassified errors must default to store failure")
	}
}

func TestRetryable(t *testing.T) {
	if !KindQueryFailure.Retryable() || !KindStoreFailure.Retryable() {
		t.Fatal("infrastructure failures are retryable")
	}
	if KindInvalidInput.Retryable() || KindAlreadyAssigned.Retryable() {
		t.Fatal("client and race errors are not retryable")
	}
}

func TestMessageNeverLeaksInternals(t *testing.T) {
	err := Wrap(KindStoreFailure, "request insert failed", errors.New("pq: connection refused dsn=secret"))
	if Message(err) != "request insert failed" {
		t.Fatalf("unexpected message: %s", Message(err))
	}
}
