package txctx

import "testing"

func TestTimestampSentinel(t *testing.T) {
	if Illegal.Valid() {
		t.Error("Illegal timestamp must not be Valid")
	}
	if !Timestamp(0).Valid() {
		t.Error("zero timestamp must be Valid")
	}
	if Illegal.String() != "illegal" {
		t.Errorf("Illegal.String() = %q, want %q", Illegal.String(), "illegal")
	}
}

func TestBlockIDSentinel(t *testing.T) {
	if Invalid.Valid() {
		t.Error("Invalid block id must not be Valid")
	}
	if !BlockID(0).Valid() {
		t.Error("zero block id must be Valid")
	}
	if Invalid.String() != "invalid" {
		t.Errorf("Invalid.String() = %q, want %q", Invalid.String(), "invalid")
	}
}

func TestTimestampOrdering(t *testing.T) {
	tests := []struct {
		a, b Timestamp
		want bool
	}{
		{0, 1, true},
		{1, 0, false},
		{100, 100, false},
	}
	for _, tt := range tests {
		if got := tt.a.Less(tt.b); got != tt.want {
			t.Errorf("%d.Less(%d) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
