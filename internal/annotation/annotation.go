// Package annotation holds the W3C annotation value object: content
// normalization, compiled JSON-LD output, deterministic grouping and the
// canvas/transcription naming algorithms used by the backup tree.
package annotation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ContextURI is the JSON-LD context declared on compiled annotations.
const ContextURI = "http://www.w3.org/ns/anno.jsonld"

// ErrConflict is returned when a payload attempts to change a non-empty
// canonical or via value. Both are write-once-per-value.
var ErrConflict = errors.New("conflict on immutable field")

// Annotation is one W3C annotation. The envelope fields (@context, id,
// type, created, modified) are computed, never stored in Content.
type Annotation struct {
	ID         uuid.UUID
	FootnoteID int64
	// BlockID links a line-level annotation to its parent block.
	BlockID   *uuid.UUID
	Content   Content
	Canonical string
	Via       string
	Created   time.Time
	Modified  time.Time
}

func New(id uuid.UUID) *Annotation {
	return &Annotation{ID: id, Content: Content{}}
}

// SetContent replaces the stored content with payload, stripping the
// envelope keys and moving canonical/via onto the entity's own fields.
// An incoming canonical or via that differs from a stored non-empty value
// is rejected with ErrConflict and the entity is left unchanged. The
// comparison is an exact string compare.
func (a *Annotation) SetContent(payload map[string]any) error {
	body := make(Content, len(payload))
	for k, v := range payload {
		body[k] = v
	}
	for _, key := range envelopeKeys {
		delete(body, key)
	}

	canonical := stringField(body, "canonical")
	via := stringField(body, "via")
	if canonical != "" && a.Canonical != "" && canonical != a.Canonical {
		return fmt.Errorf("%w: canonical %q cannot replace %q", ErrConflict, canonical, a.Canonical)
	}
	if via != "" && a.Via != "" && via != a.Via {
		return fmt.Errorf("%w: via %q cannot replace %q", ErrConflict, via, a.Via)
	}
	delete(body, "canonical")
	delete(body, "via")

	if canonical != "" {
		a.Canonical = canonical
	}
	if via != "" {
		a.Via = via
	}
	a.Content = body
	return nil
}

// URI returns the stable absolute identifier for this annotation.
func (a *Annotation) URI(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/annotations/" + a.ID.String() + "/"
}

// Compile produces the externally visible JSON-LD form. Stored content is
// merged first and the computed envelope keys are applied last, so content
// can never shadow id, type, created, modified or @context. When
// includeContext is false the @context key is omitted (used for embedding
// inside a list that declares the context once at the top level).
func (a *Annotation) Compile(baseURL string, includeContext bool) map[string]any {
	out := make(map[string]any, len(a.Content)+7)
	if a.Canonical != "" {
		out["canonical"] = a.Canonical
	}
	if a.Via != "" {
		out["via"] = a.Via
	}
	for k, v := range a.Content {
		out[k] = v
	}
	if includeContext {
		out["@context"] = ContextURI
	}
	out["id"] = a.URI(baseURL)
	out["type"] = "Annotation"
	out["created"] = a.Created.UTC().Format(time.RFC3339)
	out["modified"] = a.Modified.UTC().Format(time.RFC3339)
	return out
}

// Body returns the textual body value, for indexing and transcription
// rendering. Handles both a single body object and a list of bodies.
func (a *Annotation) Body() string {
	switch body := a.Content["body"].(type) {
	case map[string]any:
		value, _ := body["value"].(string)
		return value
	case []any:
		var parts []string
		for _, item := range body {
			if node, ok := item.(map[string]any); ok {
				if value, ok := node["value"].(string); ok && value != "" {
					parts = append(parts, value)
				}
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// Label returns the optional body label (e.g. a page or region label).
func (a *Annotation) Label() string {
	if body, ok := a.Content["body"].(map[string]any); ok {
		label, _ := body["label"].(string)
		return label
	}
	if bodies, ok := a.Content["body"].([]any); ok {
		for _, item := range bodies {
			if node, ok := item.(map[string]any); ok {
				if label, ok := node["label"].(string); ok && label != "" {
					return label
				}
			}
		}
	}
	return ""
}
