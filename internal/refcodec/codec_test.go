package refcodec

import (
	"math"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ids := []int64{0, 1, 2, 7, 42, 961748927, 1 << 31, 1<<40 + 3, math.MaxInt64}
	for _, id := range ids {
		ref := Encode(id)
		got, err := Decode(ref)
		if err != nil {
			t.Fatalf("Decode(Encode(%d)) returned error: %v", id, err)
		}
		if got != id {
			t.Errorf("round trip mismatch: encoded %d, decoded %d", id, got)
		}
	}
}

func TestEncodeIsURLSafe(t *testing.T) {
	ref := Encode(123456789)
	if strings.ContainsAny(ref, "+/=") {
		t.Errorf("reference contains non-URL-safe characters: %q", ref)
	}
	if len(ref) != encodedLen {
		t.Errorf("expected reference length %d, got %d", encodedLen, len(ref))
	}
}

func TestEncodeDistinctInputsDistinctOutputs(t *testing.T) {
	seen := make(map[string]int64)
	for id := int64(0); id < 10000; id++ {
		ref := Encode(id)
		if prev, dup := seen[ref]; dup {
			t.Fatalf("collision: ids %d and %d both encode to %q", prev, id, ref)
		}
		seen[ref] = id
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	cases := []string{
		"",
		"short",
		"way-too-long-to-be-a-reference",
		"!!!!!!!!!!!",          // invalid alphabet, right length
		"AAAAAAAAAA=",          // padding not allowed
		"aaaa+aaaaaa",          // standard alphabet char
		Encode(55) + "x",       // trailing junk
		strings.Repeat("A", 12),
	}
	for _, in := range cases {
		if _, err := Decode(in); err == nil {
			t.Errorf("Decode(%q) succeeded, want ErrInvalidReference", in)
		}
	}
}

func TestDecodeRejectsOutOfRangeValue(t *testing.T) {
	// An encoding of a negative id decodes to a value outside 63 bits.
	ref := Encode(-1)
	if _, err := Decode(ref); err == nil {
		t.Error("Decode accepted a value outside the 63-bit range")
	}
}
