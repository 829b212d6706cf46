package assert

import (
	"errors"
	"testing"
)

func expectPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	fn()
}

func TestAssert(t *testing.T) {
	True("ok", true)
	NoError("ok", nil)
	expectPanic(t, func() { True("false", false) })
	expectPanic(t, func() { NoError("error", errors.New("boom")) })
}
