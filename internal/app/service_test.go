package app

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"geniza/api/internal/annotation"
	"geniza/api/internal/store"

	"github.com/google/uuid"
)

// memStore is an in-memory Store for exercising the service without
// Postgres. Uniqueness of digital footnotes is enforced the same way the
// schema does.
type memStore struct {
	mu             sync.Mutex
	documents      map[int64]store.Document
	sources        map[int64]store.Source
	footnotes      map[int64]*store.Footnote
	nextFootnoteID int64
	annotations    map[uuid.UUID]*annotation.Annotation
	logs           []store.LogEntry
}

func newMemStore() *memStore {
	return &memStore{
		documents:   make(map[int64]store.Document),
		sources:     make(map[int64]store.Source),
		footnotes:   make(map[int64]*store.Footnote),
		annotations: make(map[uuid.UUID]*annotation.Annotation),
	}
}

func (m *memStore) addFootnote(fn store.Footnote) store.Footnote {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextFootnoteID++
	fn.ID = m.nextFootnoteID
	m.footnotes[fn.ID] = &fn
	return fn
}

func (m *memStore) Ping(ctx context.Context) error { return nil }

func (m *memStore) GetDocument(ctx context.Context, documentID int64) (store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[documentID]
	if !ok {
		return store.Document{}, sql.ErrNoRows
	}
	return doc, nil
}

func (m *memStore) GetSource(ctx context.Context, sourceID int64) (store.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[sourceID]
	if !ok {
		return store.Source{}, sql.ErrNoRows
	}
	return src, nil
}

func (m *memStore) GetFootnote(ctx context.Context, footnoteID int64) (store.Footnote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn, ok := m.footnotes[footnoteID]
	if !ok {
		return store.Footnote{}, sql.ErrNoRows
	}
	return *fn, nil
}

func (m *memStore) FindDigitalFootnote(ctx context.Context, target store.TargetRef, sourceID int64, relation string) (*store.Footnote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, fn := range m.footnotes {
		if fn.Target == target && fn.SourceID == sourceID && fn.HasRelation(relation) {
			found := *fn
			return &found, nil
		}
	}
	return nil, nil
}

func (m *memStore) SiblingLocation(ctx context.Context, target store.TargetRef, sourceID int64, sibling string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var locations []string
	for _, fn := range m.footnotes {
		if fn.Target == target && fn.SourceID == sourceID && fn.HasRelation(sibling) {
			locations = append(locations, fn.Location)
		}
	}
	if len(locations) != 1 {
		return "", nil
	}
	return locations[0], nil
}

func (m *memStore) CreateDigitalFootnote(ctx context.Context, target store.TargetRef, sourceID int64, relation, location, actor string) (store.Footnote, bool, error) {
	if existing, _ := m.FindDigitalFootnote(ctx, target, sourceID, relation); existing != nil {
		return *existing, false, nil
	}
	fn := m.addFootnote(store.Footnote{
		Target:        target,
		SourceID:      sourceID,
		Location:      location,
		RelationTypes: []string{relation},
		CreatedAt:     time.Now(),
	})
	return fn, true, nil
}

func (m *memStore) CountFootnoteAnnotations(ctx context.Context, footnoteID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, item := range m.annotations {
		if item.FootnoteID == footnoteID {
			count++
		}
	}
	return count, nil
}

func (m *memStore) RemoveDigitalRelations(ctx context.Context, footnoteID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn, ok := m.footnotes[footnoteID]
	if !ok {
		return nil
	}
	kept := make([]string, 0, len(fn.RelationTypes))
	for _, relation := range fn.RelationTypes {
		if relation == store.RelationDigitalEdition || relation == store.RelationDigitalTranslation {
			continue
		}
		kept = append(kept, relation)
	}
	fn.RelationTypes = kept
	return nil
}

func copyAnnotation(item *annotation.Annotation) *annotation.Annotation {
	clone := *item
	clone.Content = item.Content.Clone()
	return &clone
}

func (m *memStore) InsertAnnotation(ctx context.Context, item *annotation.Annotation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.annotations[item.ID] = copyAnnotation(item)
	return nil
}

func (m *memStore) GetAnnotation(ctx context.Context, id uuid.UUID) (*annotation.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.annotations[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return copyAnnotation(item), nil
}

func (m *memStore) UpdateAnnotation(ctx context.Context, item *annotation.Annotation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.annotations[item.ID]; !ok {
		return sql.ErrNoRows
	}
	m.annotations[item.ID] = copyAnnotation(item)
	return nil
}

func (m *memStore) DeleteAnnotation(ctx context.Context, id uuid.UUID, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.annotations, id)
	m.logs = append(m.logs, store.LogEntry{Action: "delete", ObjectKind: "annotation", ObjectID: id.String(), Actor: actor})
	return nil
}

func (m *memStore) ListAnnotations(ctx context.Context) ([]*annotation.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]*annotation.Annotation, 0, len(m.annotations))
	for _, item := range m.annotations {
		items = append(items, copyAnnotation(item))
	}
	return items, nil
}

func (m *memStore) SearchAnnotations(ctx context.Context, filter store.SearchFilter) ([]*annotation.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]*annotation.Annotation, 0)
	for _, item := range m.annotations {
		if filter.CanvasURI != "" && item.Content.TargetSourceID() != filter.CanvasURI {
			continue
		}
		if filter.Manifest != "" && item.Content.TargetSourcePartOfID() != filter.Manifest {
			continue
		}
		if filter.SourceURI != "" && item.Content.DCSource() != filter.SourceURI {
			continue
		}
		if filter.Motivation != "" && !hasMotivation(item.Content.Motivations(), filter.Motivation) {
			continue
		}
		items = append(items, copyAnnotation(item))
	}
	return items, nil
}

func hasMotivation(motivations []string, want string) bool {
	for _, m := range motivations {
		if m == want {
			return true
		}
	}
	return false
}

func (m *memStore) AnnotationStats(ctx context.Context) (int, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var modified time.Time
	for _, item := range m.annotations {
		if item.Modified.After(modified) {
			modified = item.Modified
		}
	}
	return len(m.annotations), modified, nil
}

const (
	testManifest = "http://example.test/documents/42/iiif/manifest/"
	testSource   = "http://example.test/sources/7/"
	testCanvas   = "https://cudl.lib.cam.ac.uk/iiif/MS-1/canvas/1"
)

func seededStore() *memStore {
	st := newMemStore()
	st.documents[42] = store.Document{ID: 42, Shelfmark: "T-S NS 321.8"}
	st.sources[7] = store.Source{ID: 7, Title: "Edition", Authors: "Smith"}
	st.addFootnote(store.Footnote{
		Target:        store.TargetRef{Kind: store.TargetDocument, ID: 42},
		SourceID:      7,
		Location:      "p. 12",
		RelationTypes: []string{store.RelationEdition},
	})
	return st
}

func transcriptionPayload() map[string]any {
	return map[string]any{
		"motivation":      []any{"sc:supplementing", "transcribing"},
		"dc:source":       testSource,
		"schema:position": float64(1),
		"body":            map[string]any{"value": "<p>line one</p>"},
		"target": map[string]any{
			"source": map[string]any{
				"id":     testCanvas,
				"partOf": map[string]any{"id": testManifest},
			},
		},
	}
}

func TestCreateAnnotationCreatesDigitalFootnote(t *testing.T) {
	st := seededStore()
	svc := NewService(st, nil, "http://example.test", 100)
	ctx := context.Background()

	item, err := svc.CreateAnnotation(ctx, transcriptionPayload(), "reviewer")
	if err != nil {
		t.Fatalf("CreateAnnotation() error = %v", err)
	}
	if item.FootnoteID == 0 {
		t.Fatal("expected a footnote to be attached")
	}

	fn, err := st.GetFootnote(ctx, item.FootnoteID)
	if err != nil {
		t.Fatalf("GetFootnote() error = %v", err)
	}
	if !fn.HasRelation(store.RelationDigitalEdition) {
		t.Fatalf("footnote relations = %v, want DIGITAL_EDITION", fn.RelationTypes)
	}
	if fn.Location != "p. 12" {
		t.Fatalf("footnote location = %q, want inherited %q", fn.Location, "p. 12")
	}

	// A second annotation on the same (document, source) reuses the footnote.
	second, err := svc.CreateAnnotation(ctx, transcriptionPayload(), "reviewer")
	if err != nil {
		t.Fatalf("CreateAnnotation() second error = %v", err)
	}
	if second.FootnoteID != item.FootnoteID {
		t.Fatalf("second annotation footnote = %d, want %d", second.FootnoteID, item.FootnoteID)
	}
}

func TestCreateTranslationGetsTranslationRelation(t *testing.T) {
	st := seededStore()
	svc := NewService(st, nil, "http://example.test", 100)

	payload := transcriptionPayload()
	payload["motivation"] = []any{"sc:supplementing", "translating"}
	item, err := svc.CreateAnnotation(context.Background(), payload, "reviewer")
	if err != nil {
		t.Fatalf("CreateAnnotation() error = %v", err)
	}
	fn, err := st.GetFootnote(context.Background(), item.FootnoteID)
	if err != nil {
		t.Fatalf("GetFootnote() error = %v", err)
	}
	if !fn.HasRelation(store.RelationDigitalTranslation) {
		t.Fatalf("footnote relations = %v, want DIGITAL_TRANSLATION", fn.RelationTypes)
	}
}

func TestCreateRejectsUnknownDocument(t *testing.T) {
	st := seededStore()
	svc := NewService(st, nil, "http://example.test", 100)

	payload := transcriptionPayload()
	payload["target"] = map[string]any{
		"source": map[string]any{
			"id":     testCanvas,
			"partOf": map[string]any{"id": "http://example.test/documents/999/iiif/manifest/"},
		},
	}
	_, err := svc.CreateAnnotation(context.Background(), payload, "reviewer")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("CreateAnnotation() error = %v, want 422 DomainError", err)
	}
}

func TestUpdateUnchangedContentKeepsModified(t *testing.T) {
	st := seededStore()
	svc := NewService(st, nil, "http://example.test", 100)
	ctx := context.Background()

	item, err := svc.CreateAnnotation(ctx, transcriptionPayload(), "reviewer")
	if err != nil {
		t.Fatalf("CreateAnnotation() error = %v", err)
	}

	updated, err := svc.UpdateAnnotation(ctx, item.ID, transcriptionPayload(), "reviewer")
	if err != nil {
		t.Fatalf("UpdateAnnotation() error = %v", err)
	}
	if !updated.Modified.Equal(item.Modified) {
		t.Fatalf("modified bumped by no-op write: %v -> %v", item.Modified, updated.Modified)
	}
}

func TestUpdateRejectsCanonicalOverwrite(t *testing.T) {
	st := seededStore()
	svc := NewService(st, nil, "http://example.test", 100)
	ctx := context.Background()

	payload := transcriptionPayload()
	payload["canonical"] = "urn:uuid:original"
	item, err := svc.CreateAnnotation(ctx, payload, "reviewer")
	if err != nil {
		t.Fatalf("CreateAnnotation() error = %v", err)
	}

	hostile := transcriptionPayload()
	hostile["canonical"] = "urn:uuid:other"
	_, err = svc.UpdateAnnotation(ctx, item.ID, hostile, "reviewer")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 409 {
		t.Fatalf("UpdateAnnotation() error = %v, want 409 DomainError", err)
	}

	stored, err := st.GetAnnotation(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetAnnotation() error = %v", err)
	}
	if stored.Canonical != "urn:uuid:original" {
		t.Fatalf("canonical = %q, want original preserved", stored.Canonical)
	}
}

func TestDeleteLastAnnotationStripsDigitalRelation(t *testing.T) {
	st := seededStore()
	svc := NewService(st, nil, "http://example.test", 100)
	ctx := context.Background()

	item, err := svc.CreateAnnotation(ctx, transcriptionPayload(), "reviewer")
	if err != nil {
		t.Fatalf("CreateAnnotation() error = %v", err)
	}
	footnoteID := item.FootnoteID

	if err := svc.DeleteAnnotation(ctx, item.ID, "reviewer"); err != nil {
		t.Fatalf("DeleteAnnotation() error = %v", err)
	}

	fn, err := st.GetFootnote(ctx, footnoteID)
	if err != nil {
		t.Fatalf("GetFootnote() error = %v", err)
	}
	if fn.HasRelation(store.RelationDigitalEdition) {
		t.Fatalf("footnote still carries DIGITAL_EDITION after last annotation deleted: %v", fn.RelationTypes)
	}

	if _, err := svc.GetAnnotation(ctx, item.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("GetAnnotation() after delete error = %v, want sql.ErrNoRows", err)
	}
}

func TestDeleteKeepsRelationWhileAnnotationsRemain(t *testing.T) {
	st := seededStore()
	svc := NewService(st, nil, "http://example.test", 100)
	ctx := context.Background()

	first, err := svc.CreateAnnotation(ctx, transcriptionPayload(), "reviewer")
	if err != nil {
		t.Fatalf("CreateAnnotation() error = %v", err)
	}
	if _, err := svc.CreateAnnotation(ctx, transcriptionPayload(), "reviewer"); err != nil {
		t.Fatalf("CreateAnnotation() second error = %v", err)
	}

	if err := svc.DeleteAnnotation(ctx, first.ID, "reviewer"); err != nil {
		t.Fatalf("DeleteAnnotation() error = %v", err)
	}
	fn, err := st.GetFootnote(ctx, first.FootnoteID)
	if err != nil {
		t.Fatalf("GetFootnote() error = %v", err)
	}
	if !fn.HasRelation(store.RelationDigitalEdition) {
		t.Fatalf("footnote lost DIGITAL_EDITION while annotations remain: %v", fn.RelationTypes)
	}
}

func TestMutationsPublishEvents(t *testing.T) {
	st := seededStore()
	bus := NewBus()
	events := make(chan Event, 4)
	bus.Subscribe(func(e Event) { events <- e })

	svc := NewService(st, bus, "http://example.test", 100)
	ctx := context.Background()

	item, err := svc.CreateAnnotation(ctx, transcriptionPayload(), "reviewer")
	if err != nil {
		t.Fatalf("CreateAnnotation() error = %v", err)
	}

	select {
	case event := <-events:
		if event.Type != EventAnnotationSaved {
			t.Fatalf("event type = %q, want %q", event.Type, EventAnnotationSaved)
		}
		if event.DocumentID != 42 {
			t.Fatalf("event document = %d, want 42", event.DocumentID)
		}
	case <-time.After(time.Second):
		t.Fatal("no event after create")
	}

	if err := svc.DeleteAnnotation(ctx, item.ID, "reviewer"); err != nil {
		t.Fatalf("DeleteAnnotation() error = %v", err)
	}
	select {
	case event := <-events:
		if event.Type != EventAnnotationDeleted {
			t.Fatalf("event type = %q, want %q", event.Type, EventAnnotationDeleted)
		}
	case <-time.After(time.Second):
		t.Fatal("no event after delete")
	}
}
