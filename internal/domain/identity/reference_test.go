package identity

import (
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	tests := []struct {
		raw  string
		want Kind
	}{
		{"user_2abcDEF", KindExternalToken},
		{"65a1f0c2e4b0a1b2c3d4e5f6", KindStoreID},
		{"65A1F0C2E4B0A1B2C3D4E5F6", KindStoreID},
		{"65a1f0c2e4b0a1b2c3d4e5f", KindLegacy},
		{"patient-042", KindLegacy},
		{"user_", KindLegacy},
		{"", KindLegacy},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			ref := Parse(tt.raw, "")
			if ref.Kind != tt.want {
				t.Errorf("Parse(%q).Kind = %s, want %s", tt.raw, ref.Kind, tt.want)
			}
			if ref.Value != tt.raw {
				t.Errorf("Parse(%q).Value = %q, value must be kept as given", tt.raw, ref.Value)
			}
		})
	}
}

func TestParse_CustomPrefix(t *testing.T) {
	if got := Parse("ext_42", "ext_").Kind; got != KindExternalToken {
		t.Errorf("expected external token, got %s", got)
	}
	if got := Parse("user_42", "ext_").Kind; got != KindLegacy {
		t.Errorf("expected legacy with foreign prefix, got %s", got)
	}
}

func TestKind_RoundTrip(t *testing.T) {
	for _, k := range []Kind{KindLegacy, KindExternalToken, KindStoreID} {
		if got := ParseKind(k.String()); got != k {
			t.Errorf("ParseKind(%q) = %s", k.String(), got)
		}
	}
}

func TestNewStoreID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewStoreID()
		if !IsStoreID(id) {
			t.Fatalf("NewStoreID() = %q, not a store id", id)
		}
		if seen[id] {
			t.Fatalf("duplicate store id %q", id)
		}
		seen[id] = true
	}
}

func TestNewStoreID_TimePrefix(t *testing.T) {
	before := NewStoreID()
	time.Sleep(1100 * time.Millisecond)
	after := NewStoreID()
	if before[:8] >= after[:8] {
		t.Errorf("expected time prefix to increase: %s then %s", before[:8], after[:8])
	}
}
