// Package uuid provides unit tests for key generation and validation.
package uuid

import (
	"sort"
	"testing"
	"time"
)

// TestNew tests that New() generates valid UUID v4 strings.
func TestNew(t *testing.T) {
	id := New()
	if !IsValid(id) {
		t.Fatalf("New() = %q is not valid", id)
	}
	parsed, err := Parse(id)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if parsed.Version() != 4 {
		t.Errorf("version = %d, want 4", parsed.Version())
	}
}

// TestNewKey tests that keys are v7 and sort by creation time.
func TestNewKey(t *testing.T) {
	var keys []string
	for i := 0; i < 5; i++ {
		keys = append(keys, NewKey())
		time.Sleep(2 * time.Millisecond)
	}

	for _, k := range keys {
		parsed, err := Parse(k)
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", k, err)
		}
		if parsed.Version() != 7 {
			t.Errorf("version = %d, want 7", parsed.Version())
		}
	}

	if !sort.StringsAreSorted(keys) {
		t.Errorf("keys are not time ordered: %v", keys)
	}
}

// TestNewUniqueness tests that generated keys are unique.
func TestNewUniqueness(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		for _, id := range []string{New(), NewKey()} {
			if ids[id] {
				t.Fatalf("Duplicate UUID generated: %s", id)
			}
			ids[id] = true
		}
	}
}

// TestIsValid tests accepted and rejected formats.
func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		uuid string
		want bool
	}{
		{"valid v4", "f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"valid v4 uppercase", "6BA7B810-9DAD-41D1-80B4-00C04FD430C8", true},
		{"valid v7", "01890a5d-ac96-774b-bcce-b302099a8057", true},
		{"v1 rejected", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", false},
		{"bad variant", "f47ac10b-58cc-4372-c567-0e02b2c3d479", false},
		{"no dashes", "f47ac10b58cc4372a5670e02b2c3d479", false},
		{"empty", "", false},
		{"client id", "m1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.uuid); got != tt.want {
				t.Errorf("IsValid(%q) = %v, want %v", tt.uuid, got, tt.want)
			}
			if err := Validate(tt.uuid); (err == nil) != tt.want {
				t.Errorf("Validate(%q) error = %v", tt.uuid, err)
			}
		})
	}
}

// TestParse_rejectsOtherVersions tests version enforcement.
func TestParse_rejectsOtherVersions(t *testing.T) {
	if _, err := Parse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"); err == nil {
		t.Error("Parse() should reject v1")
	}
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Error("Parse() should reject garbage")
	}
}
