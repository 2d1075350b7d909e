package app

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"time"

	"geniza/api/internal/annotation"
	"geniza/api/internal/store"

	"github.com/google/uuid"
)

// Store is the persistence surface the service works against.
type Store interface {
	ResolverStore
	Ping(ctx context.Context) error
	GetFootnote(ctx context.Context, footnoteID int64) (store.Footnote, error)
	CountFootnoteAnnotations(ctx context.Context, footnoteID int64) (int, error)
	RemoveDigitalRelations(ctx context.Context, footnoteID int64) error
	InsertAnnotation(ctx context.Context, item *annotation.Annotation) error
	GetAnnotation(ctx context.Context, id uuid.UUID) (*annotation.Annotation, error)
	UpdateAnnotation(ctx context.Context, item *annotation.Annotation) error
	DeleteAnnotation(ctx context.Context, id uuid.UUID, actor string) error
	ListAnnotations(ctx context.Context) ([]*annotation.Annotation, error)
	SearchAnnotations(ctx context.Context, filter store.SearchFilter) ([]*annotation.Annotation, error)
	AnnotationStats(ctx context.Context) (int, time.Time, error)
}

type Service struct {
	store    Store
	resolver *FootnoteResolver
	bus      *Bus
	baseURL  string
	pageSize int
	now      func() time.Time
}

func NewService(st Store, bus *Bus, baseURL string, pageSize int) *Service {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Service{
		store:    st,
		resolver: NewFootnoteResolver(st),
		bus:      bus,
		baseURL:  baseURL,
		pageSize: pageSize,
		now:      time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) BaseURL() string {
	return s.baseURL
}

// CreateAnnotation validates the payload, resolves (creating if needed)
// its digital footnote and persists the annotation.
func (s *Service) CreateAnnotation(ctx context.Context, payload map[string]any, actor string) (*annotation.Annotation, error) {
	item := annotation.New(uuid.New())
	if err := item.SetContent(payload); err != nil {
		return nil, domainError(http.StatusConflict, "CONFLICT", err.Error(), nil)
	}

	footnote, err := s.resolver.Resolve(ctx, item.Content, actor)
	if err != nil {
		return nil, err
	}
	item.FootnoteID = footnote.ID

	now := s.now().UTC()
	item.Created = now
	item.Modified = now
	if err := s.store.InsertAnnotation(ctx, item); err != nil {
		return nil, fmt.Errorf("persist annotation: %w", err)
	}

	s.publish(EventAnnotationSaved, item, footnote.Target.ID, actor)
	return item, nil
}

func (s *Service) GetAnnotation(ctx context.Context, id uuid.UUID) (*annotation.Annotation, error) {
	return s.store.GetAnnotation(ctx, id)
}

// UpdateAnnotation replaces the stored content. Writes that change nothing
// are detected and skipped so modified is only bumped by real edits.
// Attempts to overwrite canonical or via are rejected.
func (s *Service) UpdateAnnotation(ctx context.Context, id uuid.UUID, payload map[string]any, actor string) (*annotation.Annotation, error) {
	item, err := s.store.GetAnnotation(ctx, id)
	if err != nil {
		return nil, err
	}

	before := item.Content.Clone()
	beforeCanonical, beforeVia := item.Canonical, item.Via
	if err := item.SetContent(payload); err != nil {
		return nil, domainError(http.StatusConflict, "CONFLICT", err.Error(), nil)
	}
	if reflect.DeepEqual(map[string]any(before), map[string]any(item.Content)) &&
		beforeCanonical == item.Canonical && beforeVia == item.Via {
		return item, nil
	}

	footnote, err := s.resolver.Resolve(ctx, item.Content, actor)
	if err != nil {
		return nil, err
	}
	previousFootnoteID := item.FootnoteID
	item.FootnoteID = footnote.ID
	item.Modified = s.now().UTC()

	if err := s.store.UpdateAnnotation(ctx, item); err != nil {
		return nil, fmt.Errorf("persist annotation: %w", err)
	}
	if previousFootnoteID != 0 && previousFootnoteID != footnote.ID {
		if err := s.cleanupFootnote(ctx, previousFootnoteID); err != nil {
			return nil, err
		}
	}

	s.publish(EventAnnotationSaved, item, footnote.Target.ID, actor)
	return item, nil
}

// DeleteAnnotation removes the annotation and, when it was the last one on
// its footnote, strips the footnote's digital relation tags.
func (s *Service) DeleteAnnotation(ctx context.Context, id uuid.UUID, actor string) error {
	item, err := s.store.GetAnnotation(ctx, id)
	if err != nil {
		return err
	}
	footnote, err := s.store.GetFootnote(ctx, item.FootnoteID)
	if err != nil {
		return fmt.Errorf("load footnote: %w", err)
	}

	if err := s.store.DeleteAnnotation(ctx, id, actor); err != nil {
		return err
	}
	if err := s.cleanupFootnote(ctx, item.FootnoteID); err != nil {
		return err
	}

	s.publish(EventAnnotationDeleted, item, footnote.Target.ID, actor)
	return nil
}

// cleanupFootnote re-checks a footnote after a detach; a footnote with no
// remaining annotations loses its digital relation tags but keeps its row.
func (s *Service) cleanupFootnote(ctx context.Context, footnoteID int64) error {
	count, err := s.store.CountFootnoteAnnotations(ctx, footnoteID)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if err := s.store.RemoveDigitalRelations(ctx, footnoteID); err != nil {
		return err
	}
	return nil
}

// Collection returns all annotations as a paginated AnnotationCollection.
func (s *Service) Collection(ctx context.Context) (map[string]any, error) {
	items, err := s.store.ListAnnotations(ctx)
	if err != nil {
		return nil, err
	}
	uri := s.baseURL + "/annotations/"
	return annotation.ToCollection(items, uri, "Geniza annotations", s.baseURL, s.pageSize), nil
}

// CollectionPage returns one page of the collection as an AnnotationPage.
// Page numbers past the last page are a 404.
func (s *Service) CollectionPage(ctx context.Context, page int) (map[string]any, error) {
	items, err := s.store.ListAnnotations(ctx)
	if err != nil {
		return nil, err
	}
	uri := s.baseURL + "/annotations/"
	doc, ok := annotation.ToPage(items, uri, s.baseURL, s.pageSize, page)
	if !ok {
		return nil, notFound()
	}
	return doc, nil
}

// Search filters annotations by exact match and returns them as an
// AnnotationList addressed by the request URI.
func (s *Service) Search(ctx context.Context, filter store.SearchFilter, requestURI string) (map[string]any, error) {
	items, err := s.store.SearchAnnotations(ctx, filter)
	if err != nil {
		return nil, err
	}
	annotation.Sort(items)
	return annotation.ToList(items, requestURI, s.baseURL), nil
}

// Stats exposes count and latest modification for conditional requests.
func (s *Service) Stats(ctx context.Context) (int, time.Time, error) {
	return s.store.AnnotationStats(ctx)
}

func (s *Service) publish(eventType EventType, item *annotation.Annotation, documentID int64, actor string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(Event{
		Type:       eventType,
		Annotation: item,
		DocumentID: documentID,
		Actor:      actor,
	})
}
