package assetid

import "testing"

// TestParseRoundTrip probes that String and Parse are inverses.
func TestParseRoundTrip(t *testing.T) {
	id := New()
	s := id.String()
	parsed, err := Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	if parsed != id {
		t.Fatalf("round trip mismatch: got %v, want %v", parsed, id)
	}
}

// TestParseRejectsBadLength ensures a too-short or too-long hex string is
// rejected rather than silently truncated.
func TestParseRejectsBadLength(t *testing.T) {
	if _, err := Parse("abcd"); err == nil {
		t.Fatal("expected error for short id")
	}
	if _, err := Parse(""); err == nil {
		t.Fatal("expected error for empty id")
	}
}

// TestParseRejectsNonHex ensures invalid hex characters are rejected.
func TestParseRejectsNonHex(t *testing.T) {
	if _, err := Parse("zz000000000000000000000000000000"); err == nil {
		t.Fatal("expected error for non-hex id")
	}
}

// TestNilIsZero confirms IsNil only matches the zero value.
func TestNilIsZero(t *testing.T) {
	if !Nil.IsNil() {
		t.Fatal("Nil should report IsNil")
	}
	id := New()
	if id.IsNil() {
		t.Fatal("freshly generated id reported as nil (fastrand collision with zero is astronomically unlikely)")
	}
}
