package glass

import (
	"errors"
	"testing"
)

func TestStructuredError(t *testing.T) {
	err := NewError("frame.Pipeline", CodeMalformed, "damage rect out of bounds")

	if err.Op != "frame.Pipeline" {
		t.Errorf("Op = %s, want frame.Pipeline", err.Op)
	}
	if err.Code != CodeMalformed {
		t.Errorf("Code = %s, want %s", err.Code, CodeMalformed)
	}

	expected := "frame.Pipeline: damage rect out of bounds"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("session.Init", CodeRestart, "heartbeat stalled")
	if !IsCode(err, CodeRestart) {
		t.Error("IsCode(err, CodeRestart) = false, want true")
	}
	if IsCode(err, CodeFatal) {
		t.Error("IsCode(err, CodeFatal) = true, want false")
	}
}

func TestIsRestart(t *testing.T) {
	err := NewError("queue.Process", CodeRestart, "serial moved backward")
	if !IsRestart(err) {
		t.Error("IsRestart(err) = false, want true")
	}
	if IsRestart(NewError("queue.Process", CodeTransient, "empty")) {
		t.Error("IsRestart on a transient error = true, want false")
	}
}

func TestErrorsIsMatchesByCode(t *testing.T) {
	a := NewError("a.Op", CodeProtocolMismatch, "bad version")
	b := NewError("b.Op", CodeProtocolMismatch, "different message")
	if !errors.Is(a, b) {
		t.Error("errors.Is should match on Code regardless of Op/Msg")
	}
}
