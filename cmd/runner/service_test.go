package main

import "testing"

func TestUnitName(t *testing.T) {
	tests := []struct {
		suffix  string
		want    string
		wantErr bool
	}{
		{"prod", "vm0-runner-prod", false},
		{"staging-2", "vm0-runner-staging-2", false},
		{"a.b_c", "vm0-runner-a.b_c", false},
		{"", "", true},
		{"../etc/passwd", "", true},
		{"has space", "", true},
		{"semi;colon", "", true},
	}

	for _, tt := range tests {
		got, err := unitName(tt.suffix)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("unitName(%q) = %q, want error", tt.suffix, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unitName(%q) unexpected error: %v", tt.suffix, err)
		}
		if got != tt.want {
			t.Fatalf("unitName(%q) = %q, want %q", tt.suffix, got, tt.want)
		}
	}
}

func TestUnitFilePath(t *testing.T) {
	got := unitFilePath("vm0-runner-prod")
	want := "/etc/systemd/system/vm0-runner-prod.service"
	if got != want {
		t.Fatalf("unitFilePath = %q, want %q", got, want)
	}
}
