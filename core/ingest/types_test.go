package ingest

import "testing"

func TestParseStateAcceptsEveryCasing(t *testing.T) {
	cases := map[string]State{
		"ROLLED_BACK": StateRolledBack,
		"RolledBack":  StateRolledBack,
		"rolled_back": StateRolledBack,
		"Pending":     StatePending,
		"in-progress": StateInProgress,
		" COMPLETED ": StateCompleted,
		"failed":      StateFailed,
	}
	for raw, want := range cases {
		got, ok := ParseState(raw)
		if !ok || got != want {
			t.Fatalf("ParseState(%q) = %q, %v; want %q", raw, got, ok, want)
		}
	}
	for _, raw := range []string{"", "rolled", "SUCCEEDED"} {
		if got, ok := ParseState(raw); ok {
			t.Fatalf("ParseState(%q) should fail, got %q", raw, got)
		}
	}
}
