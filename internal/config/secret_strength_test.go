package config

import "testing"

func TestIsWeakSecret(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		weak   bool
	}{
		{name: "empty_secret", secret: "", weak: false},
		{name: "common_password", secret: "password", weak: true},
		{name: "all_same", secret: "aaaaaaaaaaaa", weak: true},
		{name: "simple_sequence", secret: "1234567890", weak: true},
		{name: "short_mixed", secret: "Ab1!", weak: true},
		{name: "long_hex", secret: "a9f73d18e5249b6a35f7419d11c603e2", weak: false},
		{name: "mixed_strong", secret: "CrewTrack-2026-Signing!Key", weak: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsWeakSecret(tt.secret)
			if got != tt.weak {
				t.Fatalf("IsWeakSecret(%q) = %v, want %v", tt.secret, got, tt.weak)
			}
		})
	}
}
