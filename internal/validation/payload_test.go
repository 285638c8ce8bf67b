package validation

import (
	"strings"
	"testing"
)

func TestValidatePayload(t *testing.T) {
	v := NewPayloadValidator(1024)

	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{
			name:    "valid object",
			payload: `{"energy": -12.5, "conformation": "abc"}`,
			wantErr: false,
		},
		{
			name:    "empty payload",
			payload: "",
			wantErr: true,
		},
		{
			name:    "not json",
			payload: "hello world",
			wantErr: true,
		},
		{
			name:    "json array instead of object",
			payload: `[1, 2, 3]`,
			wantErr: true,
		},
		{
			name:    "json scalar instead of object",
			payload: `42`,
			wantErr: true,
		},
		{
			name:    "trailing data",
			payload: `{"a": 1}{"b": 2}`,
			wantErr: true,
		},
		{
			name:    "truncated object",
			payload: `{"a": 1`,
			wantErr: true,
		},
		{
			name:    "nested object",
			payload: `{"result": {"scores": [1.0, 2.0]}, "meta": null}`,
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidatePayload([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePayload() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePayload_SizeLimit(t *testing.T) {
	v := NewPayloadValidator(16)

	small := `{"a": 1}`
	if err := v.ValidatePayload([]byte(small)); err != nil {
		t.Errorf("Expected small payload to pass, got: %v", err)
	}

	large := `{"key": "` + strings.Repeat("x", 32) + `"}`
	if err := v.ValidatePayload([]byte(large)); err == nil {
		t.Error("Expected oversized payload to fail validation")
	}
}

func TestCanonicalize_KeyOrder(t *testing.T) {
	v := NewPayloadValidator(0)

	a, err := v.Canonicalize([]byte(`{"b": 2, "a": 1}`))
	if err != nil {
		t.Fatalf("Canonicalize() failed: %v", err)
	}

	b, err := v.Canonicalize([]byte(`{"a": 1, "b": 2}`))
	if err != nil {
		t.Fatalf("Canonicalize() failed: %v", err)
	}

	if string(a) != string(b) {
		t.Errorf("Expected identical canonical forms, got %q and %q", a, b)
	}

	if string(a) != `{"a":1,"b":2}` {
		t.Errorf("Expected sorted compact form, got %q", a)
	}
}

func TestCanonicalize_Whitespace(t *testing.T) {
	v := NewPayloadValidator(0)

	compact, err := v.Canonicalize([]byte(`{"x":[1,2,3]}`))
	if err != nil {
		t.Fatalf("Canonicalize() failed: %v", err)
	}

	spaced, err := v.Canonicalize([]byte("{\n  \"x\": [ 1, 2, 3 ]\n}"))
	if err != nil {
		t.Fatalf("Canonicalize() failed: %v", err)
	}

	if string(compact) != string(spaced) {
		t.Errorf("Expected whitespace-insensitive canonical form, got %q and %q", compact, spaced)
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	v := NewPayloadValidator(0)

	fp1, err := v.Fingerprint([]byte(`{"b": 2, "a": 1}`))
	if err != nil {
		t.Fatalf("Fingerprint() failed: %v", err)
	}

	fp2, err := v.Fingerprint([]byte(`{"a": 1,  "b": 2}`))
	if err != nil {
		t.Fatalf("Fingerprint() failed: %v", err)
	}

	if fp1 != fp2 {
		t.Errorf("Expected equal fingerprints for equivalent payloads, got %s and %s", fp1, fp2)
	}

	// SHA-256 hex digest is 64 characters
	if len(fp1) != 64 {
		t.Errorf("Expected 64-character fingerprint, got %d", len(fp1))
	}
}

func TestFingerprint_DistinctPayloads(t *testing.T) {
	v := NewPayloadValidator(0)

	fp1, err := v.Fingerprint([]byte(`{"energy": -10.0}`))
	if err != nil {
		t.Fatalf("Fingerprint() failed: %v", err)
	}

	fp2, err := v.Fingerprint([]byte(`{"energy": -10.1}`))
	if err != nil {
		t.Fatalf("Fingerprint() failed: %v", err)
	}

	if fp1 == fp2 {
		t.Error("Expected different fingerprints for different payloads")
	}
}

func TestFingerprint_InvalidPayload(t *testing.T) {
	v := NewPayloadValidator(0)

	if _, err := v.Fingerprint([]byte("not json")); err == nil {
		t.Error("Expected error for invalid payload")
	}
}
