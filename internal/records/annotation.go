package records

import "strings"

// PendingPlaceholder is the cell value the store file uses for a row that has not been annotated yet.
const PendingPlaceholder = "Pending..."

// legacyMissingCell is how pandas-written workbooks render an empty annotation cell.
const legacyMissingCell = "nan"

// AnnotationState enumerates the lifecycle of an image annotation.
type AnnotationState int

const (
	// AnnotationAbsent means no annotation row exists for the record yet.
	AnnotationAbsent AnnotationState = iota
	// AnnotationPending means the record is waiting for an annotation.
	AnnotationPending
	// AnnotationResolved means the record carries a real annotation.
	AnnotationResolved
)

// String returns a stable label for logs and storage.
func (state AnnotationState) String() string {
	switch state {
	case AnnotationPending:
		return "pending"
	case AnnotationResolved:
		return "resolved"
	default:
		return "absent"
	}
}

// ParseAnnotationState maps a stored label back to a state. Unknown labels are absent.
func ParseAnnotationState(label string) AnnotationState {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "pending":
		return AnnotationPending
	case "resolved":
		return AnnotationResolved
	default:
		return AnnotationAbsent
	}
}

// Annotation is the tagged description value attached to a record.
type Annotation struct {
	state AnnotationState
	text  string
}

// AbsentAnnotation returns the zero annotation.
func AbsentAnnotation() Annotation {
	return Annotation{}
}

// PendingAnnotation returns the "not yet annotated" value.
func PendingAnnotation() Annotation {
	return Annotation{state: AnnotationPending}
}

// ResolvedAnnotation returns a resolved annotation. Empty or placeholder text is not a
// valid resolution and yields a pending annotation instead.
func ResolvedAnnotation(text string) Annotation {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || trimmed == PendingPlaceholder {
		return PendingAnnotation()
	}
	return Annotation{state: AnnotationResolved, text: trimmed}
}

// ParseAnnotation interprets a raw store cell.
func ParseAnnotation(cell string) Annotation {
	trimmed := strings.TrimSpace(cell)
	switch {
	case trimmed == "" || trimmed == legacyMissingCell:
		return AbsentAnnotation()
	case trimmed == PendingPlaceholder:
		return PendingAnnotation()
	default:
		return Annotation{state: AnnotationResolved, text: trimmed}
	}
}

// State reports the annotation state.
func (a Annotation) State() AnnotationState {
	return a.state
}

// Text returns the resolved text, or an empty string for absent and pending annotations.
func (a Annotation) Text() string {
	if a.state != AnnotationResolved {
		return ""
	}
	return a.text
}

// IsResolved reports whether the annotation is worth preserving across merges.
func (a Annotation) IsResolved() bool {
	return a.state == AnnotationResolved
}

// CellValue renders the annotation the way the store file expects it.
func (a Annotation) CellValue() string {
	switch a.state {
	case AnnotationResolved:
		return a.text
	case AnnotationPending:
		return PendingPlaceholder
	default:
		return ""
	}
}

// DisplayValue renders the annotation for read-side views, where absent shows as pending.
func (a Annotation) DisplayValue() string {
	if a.state == AnnotationResolved {
		return a.text
	}
	return PendingPlaceholder
}

// OrPending upgrades an absent annotation to pending and keeps everything else.
func (a Annotation) OrPending() Annotation {
	if a.state == AnnotationAbsent {
		return PendingAnnotation()
	}
	return a
}
