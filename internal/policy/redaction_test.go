package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIIKeepsDestinations(t *testing.T) {
	for _, dest := range []string{"221B Baker Street", "Gate 42, Terminal 2", "Eiffel Tower"} {
		out, changed := RedactPII(dest)
		if changed || out != dest {
			t.Fatalf("RedactPII(%q) = (%q, %v), want unchanged", dest, out, changed)
		}
	}
}

func TestRedactFields(t *testing.T) {
	transcript := "take me home, call 555 123 4567 when there"
	destination := "Home"
	var missing *string

	if !RedactFields(&transcript, &destination, missing) {
		t.Fatalf("RedactFields() = false, want true")
	}
	if !strings.Contains(transcript, "[REDACTED_PHONE]") {
		t.Fatalf("transcript = %q, want phone redacted", transcript)
	}
	if destination != "Home" {
		t.Fatalf("destination = %q, want unchanged", destination)
	}
}
