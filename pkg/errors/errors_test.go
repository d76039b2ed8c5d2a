package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestWrap(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
	base := New("boom")
	err := Wrap(base, "pull failed")
	if err.Error() != "pull failed: boom" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !stderrors.Is(err, base) {
		t.Error("wrapped error should unwrap")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"plain", New("x"), KindOther},
		{"classified", E(KindPull, "pull", New("x")), KindPull},
		{"wrapped", Wrap(E(KindTimeout, "wait", New("x")), "build"), KindTimeout},
		{"fmt wrapped", fmt.Errorf("outer: %w", ErrNotRunning), KindNotRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestIsNested(t *testing.T) {
	err := E(KindReconcile, "reconcile", E(KindInvalid, "parse", New("bad name")))
	if !Is(err, KindInvalid) {
		t.Error("expected nested invalid kind")
	}
	if Is(err, KindEngine) {
		t.Error("unexpected engine kind")
	}
	if E(KindBuild, "x", nil) != nil {
		t.Error("E with nil error should be nil")
	}
}
