// Package validation provides submission payload validation for the mainframe job pool.
// It handles structural checks on result payloads and computes content fingerprints
// over a canonical JSON form.
package validation

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"
)

// PayloadValidator handles validation of submission result payloads
type PayloadValidator struct {
	maxPayloadSize int
}

// NewPayloadValidator creates a new payload validator
func NewPayloadValidator(maxPayloadSize int) *PayloadValidator {
	return &PayloadValidator{
		maxPayloadSize: maxPayloadSize,
	}
}

// ValidatePayload performs comprehensive validation of a result payload
func (v *PayloadValidator) ValidatePayload(payload []byte) error {
	// Basic field validation
	if err := v.validateBasicFields(payload); err != nil {
		return fmt.Errorf("basic validation failed: %w", err)
	}

	// Structural validation
	if err := v.validateStructure(payload); err != nil {
		return fmt.Errorf("structure validation failed: %w", err)
	}

	return nil
}

// validateBasicFields checks size and encoding constraints
func (v *PayloadValidator) validateBasicFields(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("payload is required")
	}

	if v.maxPayloadSize > 0 && len(payload) > v.maxPayloadSize {
		return fmt.Errorf("payload too large: %d > %d bytes", len(payload), v.maxPayloadSize)
	}

	if !utf8.Valid(payload) {
		return fmt.Errorf("payload is not valid UTF-8")
	}

	return nil
}

// validateStructure checks that the payload is a single JSON object
func (v *PayloadValidator) validateStructure(payload []byte) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var doc map[string]json.RawMessage
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("payload is not a JSON object: %w", err)
	}

	// Reject trailing content after the object
	if dec.More() {
		return fmt.Errorf("payload contains trailing data")
	}

	return nil
}

// Canonicalize returns the canonical JSON form of a payload: object keys
// sorted lexicographically, insignificant whitespace removed, number
// literals preserved. Two payloads that differ only in key order or
// formatting canonicalize to identical bytes.
func (v *PayloadValidator) Canonicalize(payload []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("payload contains trailing data")
	}

	// encoding/json marshals map keys in sorted order
	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}

	return canonical, nil
}

// Fingerprint computes the content fingerprint of a payload: the hex-encoded
// SHA-256 digest of its canonical JSON form. Semantically identical payloads
// always produce the same fingerprint regardless of formatting.
func (v *PayloadValidator) Fingerprint(payload []byte) (string, error) {
	canonical, err := v.Canonicalize(payload)
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256(canonical)
	return hex.EncodeToString(digest[:]), nil
}
