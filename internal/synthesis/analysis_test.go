package synthesis

import "testing"

func TestInflectionOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		word, base string
		want       bool
	}{
		{"fix", "fix", true},
		{"fixed", "fix", true},
		{"fixes", "fix", true},
		{"fixing", "fix", true},
		{"added", "add", true},
		{"updated", "update", true},
		{"updating", "update", true},
		{"deploys", "deploy", true},
		{"needed", "need", true},
		{"address", "add", false},
		{"needle", "need", false},
		{"fixture", "fix", false},
		{"tested", "test", true},
		{"testament", "test", false},
	}
	for _, tt := range tests {
		if got := inflectionOf(tt.word, tt.base); got != tt.want {
			t.Errorf("inflectionOf(%q, %q) = %v, want %v", tt.word, tt.base, got, tt.want)
		}
	}
}
