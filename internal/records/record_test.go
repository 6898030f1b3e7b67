package records

import (
	"errors"
	"testing"
)

func TestDecodeAcceptsPublisherKeys(t *testing.T) {
	payload := []byte(`{"ID": "1", "GPS": "32.9283° S, 151.7817° E", "Address": "Main St", "Message": "Kerbside Dump Detected", "ImageURL": "https://example.com/a.jpg"}`)

	record, err := Decode(payload)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if record.ID != "1" || record.Address != "Main St" || record.ImageURL != "https://example.com/a.jpg" {
		t.Fatalf("unexpected record: %#v", record)
	}
	if record.Annotation.State() != AnnotationAbsent {
		t.Fatalf("expected absent annotation, got %s", record.Annotation.State())
	}
}

func TestDecodeAcceptsSnakeCaseKeysAndNumericID(t *testing.T) {
	payload := []byte(`{"id": 42, "gps": "1° N, 2° E", "address": "North St", "message": "m", "image_url": "https://example.com/b.jpg"}`)

	record, err := Decode(payload)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if record.ID != "42" {
		t.Fatalf("expected id 42, got %q", record.ID)
	}
	if record.GPS != "1° N, 2° E" {
		t.Fatalf("unexpected gps %q", record.GPS)
	}
	if record.ImageURL != "https://example.com/b.jpg" {
		t.Fatalf("unexpected image url %q", record.ImageURL)
	}
}

func TestDecodeCarriesIncomingDescription(t *testing.T) {
	record, err := Decode([]byte(`{"ID":"3","Image_Description":"mattress"}`))
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if !record.Annotation.IsResolved() || record.Annotation.Text() != "mattress" {
		t.Fatalf("expected resolved annotation, got %#v", record.Annotation)
	}
}

func TestDecodeRejectsMalformedPayloads(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "empty", payload: ""},
		{name: "not-json", payload: "hello"},
		{name: "array", payload: `[{"ID":"1"}]`},
		{name: "truncated", payload: `{"ID":"1"`},
		{name: "missing-id", payload: `{"GPS":"1° N, 2° E"}`},
		{name: "null-id", payload: `{"ID":null}`},
		{name: "blank-id", payload: `{"ID":"   "}`},
		{name: "bool-id", payload: `{"ID":true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.payload))
			if !errors.Is(err, ErrInvalidRecord) {
				t.Fatalf("expected ErrInvalidRecord, got %v", err)
			}
		})
	}
}

func TestNumericID(t *testing.T) {
	tests := []struct {
		raw      string
		expected float64
		ok       bool
	}{
		{raw: "7", expected: 7, ok: true},
		{raw: " 10 ", expected: 10, ok: true},
		{raw: "2.5", expected: 2.5, ok: true},
		{raw: "abc", ok: false},
		{raw: "NaN", ok: false},
		{raw: "", ok: false},
	}

	for _, tt := range tests {
		value, ok := NumericID(tt.raw)
		if ok != tt.ok {
			t.Fatalf("NumericID(%q) ok = %v, want %v", tt.raw, ok, tt.ok)
		}
		if ok && value != tt.expected {
			t.Fatalf("NumericID(%q) = %v, want %v", tt.raw, value, tt.expected)
		}
	}
}

func TestParseAnnotationStates(t *testing.T) {
	tests := []struct {
		cell  string
		state AnnotationState
		text  string
	}{
		{cell: "", state: AnnotationAbsent},
		{cell: "nan", state: AnnotationAbsent},
		{cell: "Pending...", state: AnnotationPending},
		{cell: "  graffiti ", state: AnnotationResolved, text: "graffiti"},
	}

	for _, tt := range tests {
		annotation := ParseAnnotation(tt.cell)
		if annotation.State() != tt.state {
			t.Fatalf("ParseAnnotation(%q) state = %s, want %s", tt.cell, annotation.State(), tt.state)
		}
		if annotation.Text() != tt.text {
			t.Fatalf("ParseAnnotation(%q) text = %q, want %q", tt.cell, annotation.Text(), tt.text)
		}
	}
}

func TestResolvedAnnotationRejectsPlaceholder(t *testing.T) {
	if ResolvedAnnotation(PendingPlaceholder).IsResolved() {
		t.Fatalf("placeholder text must not resolve an annotation")
	}
	if ResolvedAnnotation("   ").State() != AnnotationPending {
		t.Fatalf("blank text should fall back to pending")
	}
	if PendingAnnotation().CellValue() != PendingPlaceholder {
		t.Fatalf("pending annotation should render the placeholder cell")
	}
	if AbsentAnnotation().OrPending().State() != AnnotationPending {
		t.Fatalf("absent annotation should upgrade to pending")
	}
}

func TestCanonicalDistinguishesFieldBoundaries(t *testing.T) {
	first := Record{ID: "1", GPS: "a|b", Address: "c"}
	second := Record{ID: "1", GPS: "a", Address: "b|c"}
	if first.Canonical() == second.Canonical() {
		t.Fatalf("canonical renderings should differ: %s", first.Canonical())
	}
}
