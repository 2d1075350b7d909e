package export

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"geniza/api/internal/annotation"
	"geniza/api/internal/gitrepo"
	"geniza/api/internal/store"

	"github.com/google/uuid"
)

type fakeStore struct {
	getDocument             func(ctx context.Context, documentID int64) (store.Document, error)
	getSource               func(ctx context.Context, sourceID int64) (store.Source, error)
	listEditionDocumentIDs  func(ctx context.Context, only []int64) ([]int64, error)
	listEditionFootnotes    func(ctx context.Context, documentID int64) ([]store.Footnote, error)
	listFootnoteAnnotations func(ctx context.Context, footnoteID int64) ([]*annotation.Annotation, error)
	listDocumentAnnotations func(ctx context.Context, documentID int64) ([]*annotation.Annotation, error)
	insertLogEntry          func(ctx context.Context, entry store.LogEntry) error
}

func (f *fakeStore) GetDocument(ctx context.Context, documentID int64) (store.Document, error) {
	return f.getDocument(ctx, documentID)
}

func (f *fakeStore) GetSource(ctx context.Context, sourceID int64) (store.Source, error) {
	return f.getSource(ctx, sourceID)
}

func (f *fakeStore) ListEditionDocumentIDs(ctx context.Context, only []int64) ([]int64, error) {
	return f.listEditionDocumentIDs(ctx, only)
}

func (f *fakeStore) ListEditionFootnotes(ctx context.Context, documentID int64) ([]store.Footnote, error) {
	return f.listEditionFootnotes(ctx, documentID)
}

func (f *fakeStore) ListFootnoteAnnotations(ctx context.Context, footnoteID int64) ([]*annotation.Annotation, error) {
	return f.listFootnoteAnnotations(ctx, footnoteID)
}

func (f *fakeStore) ListDocumentAnnotations(ctx context.Context, documentID int64) ([]*annotation.Annotation, error) {
	return f.listDocumentAnnotations(ctx, documentID)
}

func (f *fakeStore) InsertLogEntry(ctx context.Context, entry store.LogEntry) error {
	if f.insertLogEntry != nil {
		return f.insertLogEntry(ctx, entry)
	}
	return nil
}

func newTestAnnotation(t *testing.T, canvas, body string, position int, created time.Time) *annotation.Annotation {
	t.Helper()
	item := annotation.New(uuid.New())
	payload := map[string]any{
		"motivation":      []any{"sc:supplementing", "transcribing"},
		"schema:position": float64(position),
		"body":            map[string]any{"value": body},
		"target": map[string]any{
			"source": map[string]any{"id": canvas},
		},
	}
	if err := item.SetContent(payload); err != nil {
		t.Fatalf("SetContent() error = %v", err)
	}
	item.Created = created
	item.Modified = created
	return item
}

func editionStore(t *testing.T) *fakeStore {
	t.Helper()
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	first := newTestAnnotation(t, "https://cudl.lib.cam.ac.uk/iiif/MS-1/canvas/1", "<p>line one</p>", 1, created)
	second := newTestAnnotation(t, "https://cudl.lib.cam.ac.uk/iiif/MS-1/canvas/1", "<p>line two</p>", 2, created.Add(time.Minute))

	return &fakeStore{
		getDocument: func(ctx context.Context, documentID int64) (store.Document, error) {
			return store.Document{ID: documentID, Shelfmark: "T-S NS 321.8"}, nil
		},
		getSource: func(ctx context.Context, sourceID int64) (store.Source, error) {
			return store.Source{ID: sourceID, Title: "Edition", Authors: "Smith"}, nil
		},
		listEditionDocumentIDs: func(ctx context.Context, only []int64) ([]int64, error) {
			return []int64{101}, nil
		},
		listEditionFootnotes: func(ctx context.Context, documentID int64) ([]store.Footnote, error) {
			return []store.Footnote{{
				ID:            1,
				Target:        store.TargetRef{Kind: store.TargetDocument, ID: documentID},
				SourceID:      7,
				RelationTypes: []string{store.RelationDigitalEdition},
			}}, nil
		},
		listFootnoteAnnotations: func(ctx context.Context, footnoteID int64) ([]*annotation.Annotation, error) {
			return []*annotation.Annotation{second, first}, nil
		},
		listDocumentAnnotations: func(ctx context.Context, documentID int64) ([]*annotation.Annotation, error) {
			return []*annotation.Annotation{second, first}, nil
		},
	}
}

func newTestService(t *testing.T, st Store) *Service {
	t.Helper()
	repo := gitrepo.New(gitrepo.Options{
		Dir:         filepath.Join(t.TempDir(), "backup"),
		Branch:      "main",
		AuthorName:  "Exporter",
		AuthorEmail: "exporter@localhost",
	})
	return NewService(st, repo, nil, Options{BaseURL: "http://example.test", Push: false})
}

func TestRunExportsDocument(t *testing.T) {
	svc := newTestService(t, editionStore(t))
	report, err := svc.Run(context.Background(), nil, "script")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(report.Exported) != 1 || report.Exported[0] != 101 {
		t.Fatalf("Exported = %v, want [101]", report.Exported)
	}
	if !report.Committed {
		t.Fatal("expected a commit")
	}

	listPath := filepath.Join(svc.repo.Dir(), "annotations", "101", "list", "cudl_MS-1_canvas_1.json")
	payload, err := os.ReadFile(listPath)
	if err != nil {
		t.Fatalf("read list file: %v", err)
	}
	var list map[string]any
	if err := json.Unmarshal(payload, &list); err != nil {
		t.Fatalf("decode list file: %v", err)
	}
	if list["type"] != "sc:AnnotationList" {
		t.Fatalf("list type = %v", list["type"])
	}
	resources, ok := list["resources"].([]any)
	if !ok || len(resources) != 2 {
		t.Fatalf("resources = %v", list["resources"])
	}
	firstResource := resources[0].(map[string]any)
	if firstResource["schema:position"] != float64(1) {
		t.Fatalf("first resource position = %v, want 1", firstResource["schema:position"])
	}

	htmlPath := filepath.Join(svc.repo.Dir(), "transcriptions", "html", "PGPID101_s7_smith_transcription.html")
	html, err := os.ReadFile(htmlPath)
	if err != nil {
		t.Fatalf("read transcription html: %v", err)
	}
	if !strings.Contains(string(html), "line one") || !strings.Contains(string(html), "T-S NS 321.8") {
		t.Fatalf("unexpected transcription html:\n%s", html)
	}

	txtPath := filepath.Join(svc.repo.Dir(), "transcriptions", "txt", "PGPID101_s7_smith_transcription.txt")
	text, err := os.ReadFile(txtPath)
	if err != nil {
		t.Fatalf("read transcription txt: %v", err)
	}
	if strings.Contains(string(text), "<p>") {
		t.Fatalf("plain text still contains markup:\n%s", text)
	}
	lineOne := strings.Index(string(text), "line one")
	lineTwo := strings.Index(string(text), "line two")
	if lineOne == -1 || lineTwo == -1 || lineOne > lineTwo {
		t.Fatalf("lines missing or out of order:\n%s", text)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	svc := newTestService(t, editionStore(t))
	ctx := context.Background()

	first, err := svc.Run(ctx, nil, "script")
	if err != nil {
		t.Fatalf("Run() first error = %v", err)
	}
	if !first.Committed {
		t.Fatal("expected first run to commit")
	}

	second, err := svc.Run(ctx, nil, "script")
	if err != nil {
		t.Fatalf("Run() second error = %v", err)
	}
	if second.Committed {
		t.Fatal("expected no commit when nothing changed")
	}
}

func TestRunCommitsListsWhenFootnotesHaveNoAnnotations(t *testing.T) {
	st := editionStore(t)
	st.listFootnoteAnnotations = func(ctx context.Context, footnoteID int64) ([]*annotation.Annotation, error) {
		return nil, nil
	}

	svc := newTestService(t, st)
	report, err := svc.Run(context.Background(), nil, "script")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !report.Committed {
		t.Fatal("expected the canvas lists to be committed")
	}

	listPath := filepath.Join(svc.repo.Dir(), "annotations", "101", "list", "cudl_MS-1_canvas_1.json")
	if _, err := os.Stat(listPath); err != nil {
		t.Fatalf("list file: %v", err)
	}
	if _, err := os.Stat(filepath.Join(svc.repo.Dir(), "transcriptions")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("transcriptions dir should not exist, stat error = %v", err)
	}
}

func TestConcurrentRunsSerialize(t *testing.T) {
	svc := newTestService(t, editionStore(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	reports := make([]Report, 2)
	errs := make([]error, 2)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i], errs[i] = svc.Run(ctx, nil, "script")
		}(i)
	}
	wg.Wait()

	committed := 0
	for i := range reports {
		if errs[i] != nil {
			t.Fatalf("Run() #%d error = %v", i, errs[i])
		}
		if reports[i].Committed {
			committed++
		}
	}
	if committed != 1 {
		t.Fatalf("committed runs = %d, want exactly 1", committed)
	}
}

func TestRunSkipsFailingDocument(t *testing.T) {
	st := editionStore(t)
	st.listEditionDocumentIDs = func(ctx context.Context, only []int64) ([]int64, error) {
		return []int64{99, 101}, nil
	}
	base := st.getDocument
	st.getDocument = func(ctx context.Context, documentID int64) (store.Document, error) {
		if documentID == 99 {
			return store.Document{}, errors.New("boom")
		}
		return base(ctx, documentID)
	}

	svc := newTestService(t, st)
	report, err := svc.Run(context.Background(), nil, "script")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(report.Failed) != 1 || report.Failed[0] != 99 {
		t.Fatalf("Failed = %v, want [99]", report.Failed)
	}
	if len(report.Exported) != 1 || report.Exported[0] != 101 {
		t.Fatalf("Exported = %v, want [101]", report.Exported)
	}
	if !report.Committed {
		t.Fatal("expected surviving document to be committed")
	}
}

func TestRunWithoutEditionDocuments(t *testing.T) {
	st := editionStore(t)
	st.listEditionDocumentIDs = func(ctx context.Context, only []int64) ([]int64, error) {
		return []int64{}, nil
	}
	svc := newTestService(t, st)
	report, err := svc.Run(context.Background(), nil, "script")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Committed {
		t.Fatal("expected no commit for empty batch")
	}
}
