package domain

import (
	"strings"
	"testing"
)

func TestIsID(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{NewID(), true},
		{strings.ToUpper(NewID()), true},
		{"123e4567-e89b-12d3-a456-426614174000", true},
		{"123e4567e89b12d3a456426614174000", false},
		{"123e4567-e89b-12d3-a456-42661417400", false},
		{"zzze4567-e89b-12d3-a456-426614174000", false},
		{"my-alias", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsID(tt.in); got != tt.want {
			t.Errorf("IsID(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestValidAlias(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"abc", true},
		{"My_Link-01", true},
		{strings.Repeat("a", 50), true},
		{"ab", false},
		{strings.Repeat("a", 51), false},
		{"has space", false},
		{"dot.ted", false},
		{"ünï", false},
	}
	for _, tt := range tests {
		if got := ValidAlias(tt.in); got != tt.want {
			t.Errorf("ValidAlias(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestAliasKeyCaseInsensitive(t *testing.T) {
	if AliasKey("MyLink") != AliasKey("myLink") {
		t.Error("alias keys differ by case")
	}
}
