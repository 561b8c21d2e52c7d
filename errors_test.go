package roundtable

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrProvider(t *testing.T) {
	err := fmt.Errorf("chat: %w", &ErrProvider{Provider: "openai-compatible", Message: "status 429"})

	var perr *ErrProvider
	if !errors.As(err, &perr) {
		t.Fatalf("errors.As failed on %v", err)
	}
	if perr.Provider != "openai-compatible" {
		t.Errorf("provider = %q", perr.Provider)
	}
	if !strings.Contains(err.Error(), "openai-compatible: status 429") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestErrStructuredParseUnwrap(t *testing.T) {
	cause := errors.New("unexpected end of JSON input")
	err := &ErrStructuredParse{Raw: `{"broken`, Err: cause}

	if !errors.Is(err, cause) {
		t.Error("unwrap lost the cause")
	}
	if err.Raw != `{"broken` {
		t.Errorf("raw = %q", err.Raw)
	}
}

func TestErrStatePersist(t *testing.T) {
	cause := errors.New("disk full")
	var err error = &ErrStatePersist{ConversationID: "conv1", ParentMessageID: "m1", Err: cause}

	var serr *ErrStatePersist
	if !errors.As(err, &serr) {
		t.Fatal("errors.As failed")
	}
	if !errors.Is(err, cause) {
		t.Error("unwrap lost the cause")
	}
	if !strings.Contains(err.Error(), "conv1/m1") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestSentinels(t *testing.T) {
	wrapped := fmt.Errorf("get conversation: %w", ErrNotFound)
	if !errors.Is(wrapped, ErrNotFound) {
		t.Error("wrapped ErrNotFound not matched")
	}
	if errors.Is(ErrMaxTurns, ErrNotFound) {
		t.Error("distinct sentinels compare equal")
	}
}
