package main

import "testing"

func TestParseMeminfoValue(t *testing.T) {
	cases := []struct {
		line string
		want uint64
	}{
		{"", 0},
		{"MemTotal:", 0},
		{"MemTotal:        0 kB", 0},
		{"MemTotal:    12345 kB", 12345},
		{"MemAvailable:  7654321 kB", 7654321},
	}
	for _, c := range cases {
		if got := parseMeminfoValue(c.line); got != c.want {
			t.Errorf("parseMeminfoValue(%q) = %d, want %d", c.line, got, c.want)
		}
	}
}

func TestReadCPUPercentBounds(t *testing.T) {
	pct := readCPUPercent()
	if pct < 0.0 || pct > 100.0 {
		t.Fatalf("readCPUPercent() = %v, want within [0,100]", pct)
	}
}

func TestRoundTo2(t *testing.T) {
	if got := roundTo2(33.33333); got != 33.33 {
		t.Fatalf("roundTo2(33.33333) = %v, want 33.33", got)
	}
}
