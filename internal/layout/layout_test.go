package layout

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMoveIsIdempotent(t *testing.T) {
	workdir := t.TempDir()
	running := TaskDir(workdir, "wf", 42)
	if err := os.MkdirAll(running, 0755); err != nil {
		t.Fatalf("mkdir running: %v", err)
	}

	dst, err := Move(workdir, "wf", 42, StatusSuccessful)
	if err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if _, err := os.Stat(dst); err != nil {
		t.Fatalf("expected destination to exist: %v", err)
	}

	// second call: source is gone, destination already exists, still succeeds.
	dst2, err := Move(workdir, "wf", 42, StatusSuccessful)
	if err != nil {
		t.Fatalf("second Move failed: %v", err)
	}
	if dst2 != dst {
		t.Fatalf("expected stable destination, got %q and %q", dst, dst2)
	}
}

func TestIDDirSplitsSuffix(t *testing.T) {
	got := IDDir(123456)
	want := filepath.Join("0001", "23456")
	if got != want {
		t.Fatalf("IDDir(123456) = %q, want %q", got, want)
	}
}
