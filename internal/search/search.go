package search

// AnnotationRecord is the flattened shape pushed to the search index. Body
// text is extracted from the annotation content at index time.
type AnnotationRecord struct {
	ID         string `json:"id"`
	Body       string `json:"body"`
	Canvas     string `json:"canvas"`
	Manifest   string `json:"manifest"`
	Motivation string `json:"motivation"`
	DocumentID int64  `json:"documentId"`
	Modified   string `json:"modified"`
}

type Query struct {
	Text     string
	Manifest string
	Limit    int
	Offset   int
}

type Result struct {
	ID       string `json:"id"`
	Body     string `json:"body"`
	Canvas   string `json:"canvas"`
	Manifest string `json:"manifest"`
}

type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}
