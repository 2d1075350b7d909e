package annotation

import (
	"sort"
	"strconv"
	"time"
)

// Sort orders annotations by the explicit schema:position ascending, ties
// broken by creation time ascending. Annotations without a position sort
// after those with one, still by creation time.
func Sort(items []*Annotation) {
	sort.SliceStable(items, func(i, j int) bool {
		posI, okI := items[i].Content.Position()
		posJ, okJ := items[j].Content.Position()
		if okI != okJ {
			return okI
		}
		if okI && posI != posJ {
			return posI < posJ
		}
		return items[i].Created.Before(items[j].Created)
	})
}

// GroupByCanvas partitions annotations by their canvas URI, preserving the
// sort order within each group. Annotations missing a canvas URI are
// returned in the separate unaddressed bucket rather than dropped.
func GroupByCanvas(items []*Annotation) (groups map[string][]*Annotation, unaddressed []*Annotation) {
	sorted := make([]*Annotation, len(items))
	copy(sorted, items)
	Sort(sorted)

	groups = make(map[string][]*Annotation)
	for _, item := range sorted {
		canvas := item.Content.TargetSourceID()
		if canvas == "" {
			unaddressed = append(unaddressed, item)
			continue
		}
		groups[canvas] = append(groups[canvas], item)
	}
	return groups, unaddressed
}

// CanvasURIs returns the group keys in lexical order, for deterministic
// iteration during export.
func CanvasURIs(groups map[string][]*Annotation) []string {
	uris := make([]string, 0, len(groups))
	for uri := range groups {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	return uris
}

// ToList serializes annotations into a sc:AnnotationList document. The
// legacy IIIF v2 type keyword is retained for backward compatibility with
// existing consumers. Each member is compiled without its own @context.
func ToList(items []*Annotation, uri, baseURL string) map[string]any {
	resources := make([]map[string]any, 0, len(items))
	for _, item := range items {
		resources = append(resources, item.Compile(baseURL, false))
	}
	return map[string]any{
		"@context":  ContextURI,
		"type":      "sc:AnnotationList",
		"id":        uri,
		"resources": resources,
	}
}

// ToPage serializes one page of the collection as an AnnotationPage
// addressed by ?page=N. ok is false when the page number is out of range.
func ToPage(items []*Annotation, uri, baseURL string, pageSize, page int) (map[string]any, bool) {
	if pageSize <= 0 {
		pageSize = 100
	}
	sorted := make([]*Annotation, len(items))
	copy(sorted, items)
	Sort(sorted)

	lastPage := 1
	if len(sorted) > 0 {
		lastPage = (len(sorted) + pageSize - 1) / pageSize
	}
	if page < 1 || page > lastPage {
		return nil, false
	}

	start := (page - 1) * pageSize
	end := start + pageSize
	if end > len(sorted) {
		end = len(sorted)
	}
	pageItems := make([]map[string]any, 0, end-start)
	for _, item := range sorted[start:end] {
		pageItems = append(pageItems, item.Compile(baseURL, false))
	}

	doc := map[string]any{
		"@context":   ContextURI,
		"id":         uri + "?page=" + strconv.Itoa(page),
		"type":       "AnnotationPage",
		"partOf":     uri,
		"startIndex": start,
		"items":      pageItems,
	}
	if page > 1 {
		doc["prev"] = uri + "?page=" + strconv.Itoa(page-1)
	}
	if page < lastPage {
		doc["next"] = uri + "?page=" + strconv.Itoa(page+1)
	}
	return doc, true
}

// ToCollection serializes annotations into a paginated AnnotationCollection.
// The first page embeds up to pageSize compiled annotations; modified is the
// maximum modified timestamp across all members.
func ToCollection(items []*Annotation, uri, label, baseURL string, pageSize int) map[string]any {
	if pageSize <= 0 {
		pageSize = 100
	}
	sorted := make([]*Annotation, len(items))
	copy(sorted, items)
	Sort(sorted)

	var modified time.Time
	for _, item := range sorted {
		if item.Modified.After(modified) {
			modified = item.Modified
		}
	}

	first := sorted
	if len(first) > pageSize {
		first = first[:pageSize]
	}
	pageItems := make([]map[string]any, 0, len(first))
	for _, item := range first {
		pageItems = append(pageItems, item.Compile(baseURL, false))
	}

	lastPage := 1
	if len(sorted) > 0 {
		lastPage = (len(sorted) + pageSize - 1) / pageSize
	}
	firstPage := map[string]any{
		"id":    uri + "?page=1",
		"type":  "AnnotationPage",
		"items": pageItems,
	}
	if lastPage > 1 {
		firstPage["next"] = uri + "?page=2"
	}

	collection := map[string]any{
		"@context": ContextURI,
		"type":     "AnnotationCollection",
		"id":       uri,
		"total":    len(sorted),
		"label":    label,
		"first":    firstPage,
		"last":     uri + "?page=" + strconv.Itoa(lastPage),
	}
	if !modified.IsZero() {
		collection["modified"] = modified.UTC().Format(time.RFC3339)
	}
	return collection
}
