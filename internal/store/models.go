package store

import (
	"strings"
	"time"
)

// Relation types a footnote can carry. The digital variants mark a footnote
// as backed by on-site transcription/translation annotations.
const (
	RelationEdition            = "EDITION"
	RelationTranslation        = "TRANSLATION"
	RelationDiscussion         = "DISCUSSION"
	RelationDigitalEdition     = "DIGITAL_EDITION"
	RelationDigitalTranslation = "DIGITAL_TRANSLATION"
)

// SystemActor is the audit identity used when no human actor is available
// (batch imports, pipeline runs).
const SystemActor = "script"

// DigitalRelationFor maps an annotation's motivations to the digital
// relation type it implies plus the non-digital sibling used for location
// fallback. Any "translating" motivation means translation; everything else
// is an edition.
func DigitalRelationFor(motivations []string) (digital, sibling string) {
	for _, m := range motivations {
		if strings.Contains(m, "translating") {
			return RelationDigitalTranslation, RelationTranslation
		}
	}
	return RelationDigitalEdition, RelationEdition
}

// Target kinds for the polymorphic footnote attachment.
const TargetDocument = "document"

// TargetRef identifies what a footnote attaches to. Only documents exist
// today; the explicit kind keeps room for other entity types.
type TargetRef struct {
	Kind string
	ID   int64
}

type Document struct {
	ID          int64
	Shelfmark   string
	Description string
	CreatedAt   time.Time
}

type Source struct {
	ID      int64
	Title   string
	Authors string
	Year    *int
}

// Footnote binds a bibliographic source to a document with one or more
// relation type tags. At most one footnote per (target, source) may carry
// DIGITAL_EDITION, and at most one DIGITAL_TRANSLATION; partial unique
// indexes in the schema back this up.
type Footnote struct {
	ID            int64
	Target        TargetRef
	SourceID      int64
	Location      string
	RelationTypes []string
	CreatedAt     time.Time
}

func (f Footnote) HasRelation(relation string) bool {
	for _, r := range f.RelationTypes {
		if r == relation {
			return true
		}
	}
	return false
}

// LogEntry is one auditable action (footnote creation, annotation
// deletion), attributed to the acting user or SystemActor.
type LogEntry struct {
	ID         int64
	Action     string
	ObjectKind string
	ObjectID   string
	Actor      string
	Note       string
	CreatedAt  time.Time
}

// SearchFilter holds the exact-match filters of the search endpoint.
// Empty fields are ignored.
type SearchFilter struct {
	CanvasURI  string
	SourceURI  string
	Manifest   string
	Motivation string
}
