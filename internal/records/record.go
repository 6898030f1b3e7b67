package records

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrInvalidRecord indicates that a feed payload could not be decoded into a record.
	ErrInvalidRecord = errors.New("records: invalid record")
)

// Record is one observed kerbside event, optionally carrying an annotation.
type Record struct {
	ID         string
	GPS        string
	Address    string
	Message    string
	ImageURL   string
	Annotation Annotation
}

// Key returns the identifier used for deduplication.
func (r Record) Key() string {
	return strings.TrimSpace(r.ID)
}

// SortKey converts the identifier into a numeric ordering key. The boolean is false
// when the identifier is not a finite number.
func (r Record) SortKey() (float64, bool) {
	return NumericID(r.ID)
}

// NumericID parses an identifier as a finite decimal number.
func NumericID(raw string) (float64, bool) {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false
	}
	return value, true
}

// Canonical renders every field in a fixed order, quoting each to keep field boundaries unambiguous.
func (r Record) Canonical() string {
	return strings.Join([]string{
		strconv.Quote(r.Key()),
		strconv.Quote(r.GPS),
		strconv.Quote(r.Address),
		strconv.Quote(r.Message),
		strconv.Quote(r.ImageURL),
		strconv.Quote(r.Annotation.State().String() + ":" + r.Annotation.Text()),
	}, "|")
}

// wireRecord accepts both the upper-case keys published by the field devices and the
// snake_case keys used by newer publishers.
type wireRecord struct {
	ID            json.RawMessage `json:"ID"`
	GPS           string          `json:"GPS"`
	Address       string          `json:"Address"`
	Message       string          `json:"Message"`
	ImageURL      string          `json:"ImageURL"`
	ImageURLSnake string          `json:"image_url"`
	Description   string          `json:"Image_Description"`
}

// Decode parses a feed payload into a Record.
func Decode(payload []byte) (Record, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Record{}, fmt.Errorf("%w: payload is not a json object", ErrInvalidRecord)
	}

	var wire wireRecord
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	id, err := decodeID(wire.ID)
	if err != nil {
		return Record{}, err
	}

	imageURL := strings.TrimSpace(wire.ImageURL)
	if imageURL == "" {
		imageURL = strings.TrimSpace(wire.ImageURLSnake)
	}

	annotation := AbsentAnnotation()
	if strings.TrimSpace(wire.Description) != "" {
		annotation = ParseAnnotation(wire.Description)
	}

	return Record{
		ID:         id,
		GPS:        wire.GPS,
		Address:    wire.Address,
		Message:    wire.Message,
		ImageURL:   imageURL,
		Annotation: annotation,
	}, nil
}

func decodeID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		text = strings.TrimSpace(text)
		if text == "" {
			return "", fmt.Errorf("%w: empty id", ErrInvalidRecord)
		}
		return text, nil
	}

	var number json.Number
	if err := json.Unmarshal(raw, &number); err == nil {
		return number.String(), nil
	}

	return "", fmt.Errorf("%w: id must be a string or number", ErrInvalidRecord)
}
