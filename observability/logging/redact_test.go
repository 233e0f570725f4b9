package logging

import "testing"

func TestMaskFieldRedactsUnknownKeys(t *testing.T) {
	attr := MaskField("wallet_address", "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("expected redaction, got %q", attr.Value.String())
	}
	attr = MaskField("challenge_id", "abc-123")
	if attr.Value.String() != "abc-123" {
		t.Fatalf("allowlisted key must pass through, got %q", attr.Value.String())
	}
	attr = MaskField("secret", "")
	if attr.Value.String() != "" {
		t.Fatalf("empty values stay empty")
	}
}

func TestShortAddress(t *testing.T) {
	if got := ShortAddress("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"); got != "9xQeWvG8…" {
		t.Fatalf("short address = %q", got)
	}
	if got := ShortAddress("abc"); got != "abc" {
		t.Fatalf("short inputs unchanged, got %q", got)
	}
}
