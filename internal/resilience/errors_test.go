package resilience

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestIsTransient_ExplicitTransientError(t *testing.T) {
	if !IsTransient(NewTransientError(errors.New("busy"))) {
		t.Error("expected TransientError to be transient")
	}
}

func TestIsTransient_Wrapped(t *testing.T) {
	err := fmt.Errorf("store: claim: %w", NewTransientError(errors.New("busy")))
	if !IsTransient(err) {
		t.Error("expected wrapped TransientError to be transient")
	}
}

func TestIsTransient_NilAndRegular(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil should not be transient")
	}
	if IsTransient(errors.New("unique constraint failed")) {
		t.Error("regular error should not be transient")
	}
}

func TestIsTransient_Syscall(t *testing.T) {
	if !IsTransient(fmt.Errorf("dial: %w", syscall.ECONNREFUSED)) {
		t.Error("expected ECONNREFUSED to be transient")
	}
}

func TestIsTransient_SQLiteLocked(t *testing.T) {
	if !IsTransient(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Error("expected locked database to be transient")
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}

	base := errors.New("unsupported format")
	err := fmt.Errorf("parse: %w", Permanent(base))
	if !IsPermanent(err) {
		t.Error("expected wrapped PermanentError to be permanent")
	}
	if !errors.Is(err, base) {
		t.Error("expected PermanentError to unwrap to base")
	}
	if IsTransient(Permanent(NewTransientError(base))) {
		t.Error("permanent marker should win over transient")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{Permanent(errors.New("bad")), "permanent"},
		{NewTransientError(errors.New("busy")), "transient"},
		{errors.New("parser crashed"), "recoverable"},
	}
	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.want {
			t.Errorf("ClassifyError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

type markedErr struct{ permanent bool }

func (e markedErr) Error() string   { return "marked" }
func (e markedErr) Permanent() bool { return e.permanent }

func TestIsPermanent_Marker(t *testing.T) {
	if !IsPermanent(fmt.Errorf("stage: %w", markedErr{permanent: true})) {
		t.Error("expected error reporting Permanent() = true to be permanent")
	}
	if IsPermanent(markedErr{permanent: false}) {
		t.Error("expected Permanent() = false to be retryable")
	}
}
