package session

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		input string
		ok    bool
	}{
		{"main", true},
		{"work-2", true},
		{"alice_phone", true},
		{"7", true},
		{strings.Repeat("a", 64), true},
		{"", false},
		{strings.Repeat("a", 65), false},
		{"Main", false},
		{"-leading", false},
		{"_leading", false},
		{"has space", false},
		{"../escape", false},
		{"a/b", false},
		{"dot.ted", false},
	}
	for _, tt := range tests {
		err := ValidateName(tt.input)
		if tt.ok && err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", tt.input, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidName) {
			t.Errorf("ValidateName(%q) = %v, want ErrInvalidName", tt.input, err)
		}
	}
}
