package summary

import "testing"

func TestReleaseSummaryRendersStatusesAndFlags(t *testing.T) {
	s := New()
	s.Exe(0, "1")
	s.Exe(0, "2")
	s.Exe(1, "3")
	s.Dir("3", "/work/wf/failed/000/00003")
	s.WQ(int(FlagTimeout), "4")
	s.Dir("4", "/work/wf/failed/000/00004")

	out := s.String()
	if out == "" {
		t.Fatalf("expected non-empty summary")
	}
	if out[len(out)-1] == '\n' {
		t.Fatalf("expected trailing newline trimmed")
	}
}

// FlagTimeout mirrors handler.FlagTimeout's bit value without importing the
// handler package, avoiding a dependency cycle in the test.
const FlagTimeout = 32
