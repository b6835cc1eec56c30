package diag

import (
	"os"
	"testing"
)

func TestFatalfTerminates(t *testing.T) {
	code := -1
	exit = func(c int) { code = c }
	defer func() { exit = os.Exit }()

	Fatalf("invariant violated: %s", "test")

	if code != 1 {
		t.Errorf("Fatalf should exit with status 1, got %d", code)
	}
}

func TestWarningfDoesNotTerminate(t *testing.T) {
	exit = func(int) { t.Fatal("Warningf must not exit") }
	defer func() { exit = os.Exit }()

	Warningf("no libcall mapping for intrinsic %s", "llvm.bogus")
}
