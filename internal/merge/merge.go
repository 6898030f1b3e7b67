// Package merge reconciles a fresh buffer snapshot with the durable snapshot on disk.
package merge

import (
	"sort"

	"github.com/DalinLim/KerbTrack-Project-UON/internal/records"
)

// Result is the new durable snapshot plus bookkeeping for logs.
type Result struct {
	Rows []records.Record
	// Duplicates counts incoming rows dropped in favour of a later occurrence of the same id.
	Duplicates int
	// UnsortableIDs lists ids that are not numeric and were sorted last.
	UnsortableIDs []string
	// Preserved counts incoming rows that received an annotation from the existing snapshot.
	Preserved int
	// CarriedForward counts existing rows kept although the buffer no longer holds them.
	CarriedForward int
}

// Merge builds the next durable snapshot. Incoming rows win on field values, resolved
// annotations from existing are never lost, and every id from either side survives.
func Merge(incoming, existing []records.Record) Result {
	result := Result{}

	deduped := dedupeLast(incoming)
	result.Duplicates = len(incoming) - len(deduped)

	preserved := make(map[string]records.Annotation, len(existing))
	for _, row := range existing {
		if row.Annotation.IsResolved() {
			preserved[row.Key()] = row.Annotation
		}
	}

	union := make([]records.Record, 0, len(deduped)+len(existing))
	seen := make(map[string]struct{}, len(deduped)+len(existing))
	for _, row := range deduped {
		if annotation, ok := preserved[row.Key()]; ok {
			row.Annotation = annotation
			result.Preserved++
		} else if !row.Annotation.IsResolved() {
			row.Annotation = records.PendingAnnotation()
		}
		union = append(union, row)
		seen[row.Key()] = struct{}{}
	}

	for _, row := range existing {
		if _, ok := seen[row.Key()]; ok {
			continue
		}
		row.Annotation = row.Annotation.OrPending()
		union = append(union, row)
		seen[row.Key()] = struct{}{}
		result.CarriedForward++
	}

	sortByNumericID(union)
	result.Rows = union

	for _, row := range union {
		if _, ok := row.SortKey(); !ok {
			result.UnsortableIDs = append(result.UnsortableIDs, row.ID)
		}
	}

	return result
}

// dedupeLast keeps the last occurrence of every id, at the position of that occurrence.
func dedupeLast(rows []records.Record) []records.Record {
	last := make(map[string]int, len(rows))
	for index, row := range rows {
		last[row.Key()] = index
	}
	deduped := make([]records.Record, 0, len(last))
	for index, row := range rows {
		if last[row.Key()] == index {
			deduped = append(deduped, row)
		}
	}
	return deduped
}

// sortByNumericID orders rows by numeric id ascending; non-numeric ids go last in input order.
func sortByNumericID(rows []records.Record) {
	sort.SliceStable(rows, func(i, j int) bool {
		left, leftOK := rows[i].SortKey()
		right, rightOK := rows[j].SortKey()
		switch {
		case leftOK && rightOK:
			return left < right
		case leftOK:
			return true
		default:
			return false
		}
	})
}
