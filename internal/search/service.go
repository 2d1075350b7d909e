package search

import (
	"context"
	"log"
	"time"

	"geniza/api/internal/annotation"
)

// BodySearcher is the Postgres fallback used when Meilisearch is down.
type BodySearcher interface {
	SearchBodies(ctx context.Context, query string, limit int) ([]*annotation.Annotation, error)
}

// Service is the facade that tries Meilisearch first and falls back to an
// ILIKE scan over annotation bodies in Postgres.
type Service struct {
	meili    *Meili
	fallback BodySearcher
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, fallback BodySearcher) *Service {
	return &Service{meili: meili, fallback: fallback}
}

// Search tries Meilisearch if healthy, otherwise scans Postgres.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	items, err := s.fallback.SearchBodies(ctx, q.Text, q.Limit)
	if err != nil {
		log.Printf("search: postgres fallback error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}

	results := make([]Result, 0, len(items))
	for _, item := range items {
		results = append(results, Result{
			ID:       item.ID.String(),
			Body:     item.Body(),
			Canvas:   item.Content.TargetSourceID(),
			Manifest: item.Content.TargetSourcePartOfID(),
		})
	}
	return Response{Results: results, Total: len(results), Query: q.Text}
}

// IndexAnnotation pushes one record to Meilisearch, fire-and-forget.
func (s *Service) IndexAnnotation(item *annotation.Annotation, documentID int64) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	record := RecordFor(item, documentID)
	go func() {
		if err := s.meili.IndexAnnotations([]AnnotationRecord{record}); err != nil {
			log.Printf("search: index annotation %s: %v", record.ID, err)
		}
	}()
}

// DeleteAnnotation removes an annotation from the index, fire-and-forget.
func (s *Service) DeleteAnnotation(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteAnnotation(id); err != nil {
			log.Printf("search: delete annotation %s: %v", id, err)
		}
	}()
}

// Reindex bulk-loads records into Meilisearch, used after batch imports.
func (s *Service) Reindex(records []AnnotationRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexAnnotations(records); err != nil {
		log.Printf("search: reindex annotations: %v", err)
	}
}

// RecordFor flattens an annotation into its indexable shape.
func RecordFor(item *annotation.Annotation, documentID int64) AnnotationRecord {
	motivation := ""
	if motivations := item.Content.Motivations(); len(motivations) > 0 {
		motivation = motivations[0]
	}
	return AnnotationRecord{
		ID:         item.ID.String(),
		Body:       item.Body(),
		Canvas:     item.Content.TargetSourceID(),
		Manifest:   item.Content.TargetSourcePartOfID(),
		Motivation: motivation,
		DocumentID: documentID,
		Modified:   item.Modified.UTC().Format(time.RFC3339),
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
