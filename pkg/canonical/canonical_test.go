package canonical

import (
	"math"
	"testing"
)

func TestMarshal_SortsKeysRecursively(t *testing.T) {
	v := map[string]interface{}{
		"zebra": 1,
		"apple": map[string]interface{}{"b": 2, "a": 1},
	}
	got, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"apple":{"a":1,"b":2},"zebra":1}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestMarshal_NoWhitespaceNoTrailingNewline(t *testing.T) {
	got, err := Marshal(map[string]interface{}{"a": []interface{}{1, 2, 3}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if got[len(got)-1] == '\n' {
		t.Errorf("unexpected trailing newline")
	}
	want := `{"a":[1,2,3]}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestMarshal_NonASCIINotEscaped(t *testing.T) {
	got, err := Marshal(map[string]interface{}{"name": "héllo wörld 日本語"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"name":"héllo wörld 日本語"}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestMarshal_RejectsNaNAndInf(t *testing.T) {
	if _, err := Marshal(math.NaN()); err == nil {
		t.Errorf("expected error for NaN")
	}
	if _, err := Marshal(math.Inf(1)); err == nil {
		t.Errorf("expected error for +Inf")
	}
	if _, err := Marshal(math.Inf(-1)); err == nil {
		t.Errorf("expected error for -Inf")
	}
}

func TestMarshal_IntegersHaveNoDecimalPoint(t *testing.T) {
	got, err := Marshal(float64(42))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(got) != "42" {
		t.Errorf("got %s, want 42", got)
	}
}

func TestMarshal_Idempotent(t *testing.T) {
	v := map[string]interface{}{
		"b": []interface{}{3, 2, 1},
		"a": "text",
		"c": map[string]interface{}{"nested": true, "n": nil},
	}
	first, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	reencoded, err := MarshalFromJSON(first)
	if err != nil {
		t.Fatalf("MarshalFromJSON: %v", err)
	}
	if string(first) != string(reencoded) {
		t.Errorf("not idempotent:\n%s\n%s", first, reencoded)
	}
}

func TestMarshal_KeyOrderDoesNotAffectDigest(t *testing.T) {
	v1 := map[string]interface{}{"a": 1, "b": 2}
	v2 := map[string]interface{}{"b": 2, "a": 1}
	d1, err := ContentDigest(v1)
	if err != nil {
		t.Fatalf("ContentDigest: %v", err)
	}
	d2, err := ContentDigest(v2)
	if err != nil {
		t.Fatalf("ContentDigest: %v", err)
	}
	if d1 != d2 {
		t.Errorf("digests differ for logically identical maps: %s vs %s", d1, d2)
	}
}

func TestContentDigest_IsHex64(t *testing.T) {
	d, err := ContentDigest("hello")
	if err != nil {
		t.Fatalf("ContentDigest: %v", err)
	}
	if len(d) != 64 {
		t.Errorf("expected 64 hex chars, got %d: %s", len(d), d)
	}
}

func TestMarshalFromJSON_RejectsTrailingData(t *testing.T) {
	_, err := MarshalFromJSON([]byte(`{"a":1} garbage`))
	if err == nil {
		t.Errorf("expected error for trailing data")
	}
}
