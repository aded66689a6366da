package main

import "testing"

func TestSecretMaskerRedactsKnownValues(t *testing.T) {
	m := newSecretMasker(map[string]string{"TOKEN": "sk-abcdef123456"})
	got := m.Mask("auth header: sk-abcdef123456 done")
	if got != "auth header: *** done" {
		t.Fatalf("got %q", got)
	}
}

func TestSecretMaskerIgnoresShortValues(t *testing.T) {
	m := newSecretMasker(map[string]string{"X": "abc"})
	got := m.Mask("value is abc here")
	if got != "value is abc here" {
		t.Fatalf("short secret should not be masked, got %q", got)
	}
}

func TestSecretMaskerEmptyMapIsNoop(t *testing.T) {
	m := newSecretMasker(nil)
	if got := m.Mask("unchanged"); got != "unchanged" {
		t.Fatalf("got %q", got)
	}
}
