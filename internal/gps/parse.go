// Package gps converts the free-text coordinates reported by field devices into decimal degrees.
package gps

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// ErrUnparseable indicates the coordinate text could not be converted.
var ErrUnparseable = errors.New("gps: unparseable coordinate")

// Point is a signed latitude/longitude pair in decimal degrees.
type Point struct {
	Lat float64
	Lon float64
}

// Parse converts text such as "32.9283° S, 151.7817° E" into a Point. South and west negate.
func Parse(raw string) (Point, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return Point{}, fmt.Errorf("%w: expected two comma separated parts in %q", ErrUnparseable, raw)
	}

	lat, err := parseAxis(parts[0], 'N', 'S')
	if err != nil {
		return Point{}, fmt.Errorf("%w: latitude in %q: %v", ErrUnparseable, raw, err)
	}
	lon, err := parseAxis(parts[1], 'E', 'W')
	if err != nil {
		return Point{}, fmt.Errorf("%w: longitude in %q: %v", ErrUnparseable, raw, err)
	}

	return Point{Lat: lat, Lon: lon}, nil
}

func parseAxis(raw string, positive, negative rune) (float64, error) {
	compact := strings.Map(func(r rune) rune {
		if r == '°' || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, raw)
	if compact == "" {
		return 0, errors.New("empty value")
	}

	hemisphere := unicode.ToUpper(rune(compact[len(compact)-1]))
	if hemisphere != positive && hemisphere != negative {
		return 0, fmt.Errorf("missing or invalid hemisphere, want %c or %c", positive, negative)
	}

	value, err := strconv.ParseFloat(compact[:len(compact)-1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid decimal %q", compact[:len(compact)-1])
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("non-finite decimal %q", compact[:len(compact)-1])
	}

	if hemisphere == negative {
		value = -value
	}
	return value, nil
}
