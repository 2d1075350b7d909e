package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"geniza/api/internal/annotation"
	"geniza/api/internal/store"
)

// ErrMalformedReference marks a manifest or source URI the resolver cannot
// parse an id out of.
var ErrMalformedReference = errors.New("malformed reference")

// URIResolver extracts database ids from the public URIs annotations carry.
// Manifests look like .../documents/{id}/iiif/manifest/ and sources like
// .../sources/{id}/.
type URIResolver struct{}

func (URIResolver) DocumentID(manifestURI string) (int64, error) {
	segments, err := pathSegments(manifestURI)
	if err != nil {
		return 0, err
	}
	for i, segment := range segments {
		if segment != "documents" || i+1 >= len(segments) {
			continue
		}
		id, err := strconv.ParseInt(segments[i+1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: document id in %q", ErrMalformedReference, manifestURI)
		}
		return id, nil
	}
	return 0, fmt.Errorf("%w: no document segment in %q", ErrMalformedReference, manifestURI)
}

func (URIResolver) SourceID(sourceURI string) (int64, error) {
	segments, err := pathSegments(sourceURI)
	if err != nil {
		return 0, err
	}
	for i, segment := range segments {
		if segment != "sources" || i+1 >= len(segments) {
			continue
		}
		id, err := strconv.ParseInt(segments[i+1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: source id in %q", ErrMalformedReference, sourceURI)
		}
		return id, nil
	}
	return 0, fmt.Errorf("%w: no source segment in %q", ErrMalformedReference, sourceURI)
}

func pathSegments(raw string) ([]string, error) {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Path == "" {
		return nil, fmt.Errorf("%w: %q", ErrMalformedReference, raw)
	}
	return strings.Split(strings.Trim(parsed.Path, "/"), "/"), nil
}

// ResolverStore is the slice of the database the footnote resolver needs.
type ResolverStore interface {
	GetDocument(ctx context.Context, documentID int64) (store.Document, error)
	GetSource(ctx context.Context, sourceID int64) (store.Source, error)
	FindDigitalFootnote(ctx context.Context, target store.TargetRef, sourceID int64, relation string) (*store.Footnote, error)
	SiblingLocation(ctx context.Context, target store.TargetRef, sourceID int64, sibling string) (string, error)
	CreateDigitalFootnote(ctx context.Context, target store.TargetRef, sourceID int64, relation, location, actor string) (store.Footnote, bool, error)
}

// FootnoteResolver maps annotation content to the digital footnote that
// anchors it, creating the footnote on first use. A document never gains a
// second digital edition (or translation) footnote for the same source.
type FootnoteResolver struct {
	store ResolverStore
	uris  URIResolver
}

func NewFootnoteResolver(st ResolverStore) *FootnoteResolver {
	return &FootnoteResolver{store: st}
}

// Resolve validates the annotation's target and source references and
// returns the footnote to attach it to.
func (r *FootnoteResolver) Resolve(ctx context.Context, content annotation.Content, actor string) (store.Footnote, error) {
	manifest := content.TargetSourcePartOfID()
	if manifest == "" {
		return store.Footnote{}, domainError(422, "MISSING_TARGET", "annotation target has no manifest (target.source.partOf.id)", nil)
	}
	documentID, err := r.uris.DocumentID(manifest)
	if err != nil {
		return store.Footnote{}, domainError(422, "MALFORMED_TARGET", err.Error(), nil)
	}

	sourceURI := content.DCSource()
	if sourceURI == "" {
		return store.Footnote{}, domainError(422, "MISSING_SOURCE", "annotation has no dc:source", nil)
	}
	sourceID, err := r.uris.SourceID(sourceURI)
	if err != nil {
		return store.Footnote{}, domainError(422, "MALFORMED_SOURCE", err.Error(), nil)
	}

	if _, err := r.store.GetDocument(ctx, documentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Footnote{}, domainError(422, "UNKNOWN_DOCUMENT", fmt.Sprintf("document %d does not exist", documentID), nil)
		}
		return store.Footnote{}, fmt.Errorf("verify document: %w", err)
	}
	if _, err := r.store.GetSource(ctx, sourceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Footnote{}, domainError(422, "UNKNOWN_SOURCE", fmt.Sprintf("source %d does not exist", sourceID), nil)
		}
		return store.Footnote{}, fmt.Errorf("verify source: %w", err)
	}

	target := store.TargetRef{Kind: store.TargetDocument, ID: documentID}
	digital, sibling := store.DigitalRelationFor(content.Motivations())

	existing, err := r.store.FindDigitalFootnote(ctx, target, sourceID, digital)
	if err != nil {
		return store.Footnote{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	// First annotation for this (document, source, relation): inherit the
	// location from the lone print sibling when there is exactly one.
	location, err := r.store.SiblingLocation(ctx, target, sourceID, sibling)
	if err != nil {
		return store.Footnote{}, err
	}
	footnote, _, err := r.store.CreateDigitalFootnote(ctx, target, sourceID, digital, location, actor)
	if err != nil {
		return store.Footnote{}, err
	}
	return footnote, nil
}
