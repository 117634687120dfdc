package study

import "testing"

func TestCanTransition(t *testing.T) {
	all := []Status{StatusPlanning, StatusActive, StatusSuspended, StatusCompleted, StatusTerminated, StatusWithdrawn}
	allowed := map[[2]Status]bool{
		{StatusPlanning, StatusActive}:      true,
		{StatusPlanning, StatusWithdrawn}:   true,
		{StatusActive, StatusSuspended}:     true,
		{StatusActive, StatusCompleted}:     true,
		{StatusActive, StatusTerminated}:    true,
		{StatusSuspended, StatusActive}:     true,
		{StatusSuspended, StatusTerminated}: true,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatusesAcceptNothing(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusTerminated, StatusWithdrawn} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
		if got := AllowedTransitions(s); len(got) != 0 {
			t.Fatalf("%s transitions = %v", s, got)
		}
	}
	if StatusSuspended.Terminal() {
		t.Fatal("suspended is not terminal")
	}
}

func TestParseStatus(t *testing.T) {
	cases := map[string]Status{
		"active":              StatusActive,
		" Suspended ":         StatusSuspended,
		"STUDY_STATUS_ACTIVE": StatusActive,
		"withdrawn":           StatusWithdrawn,
	}
	for input, want := range cases {
		got, ok := ParseStatus(input)
		if !ok || got != want {
			t.Fatalf("ParseStatus(%q) = %q, %v", input, got, ok)
		}
	}
	if _, ok := ParseStatus("archived"); ok {
		t.Fatal("expected archived to be rejected")
	}
	if _, ok := ParseStatus(""); ok {
		t.Fatal("expected empty to be rejected")
	}
}
