package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"geniza/api/internal/annotation"
	"geniza/api/internal/gitrepo"
	"geniza/api/internal/store"
)

// Store is the slice of the database the export pipeline reads.
type Store interface {
	GetDocument(ctx context.Context, documentID int64) (store.Document, error)
	GetSource(ctx context.Context, sourceID int64) (store.Source, error)
	ListEditionDocumentIDs(ctx context.Context, only []int64) ([]int64, error)
	ListEditionFootnotes(ctx context.Context, documentID int64) ([]store.Footnote, error)
	ListFootnoteAnnotations(ctx context.Context, footnoteID int64) ([]*annotation.Annotation, error)
	ListDocumentAnnotations(ctx context.Context, documentID int64) ([]*annotation.Annotation, error)
	InsertLogEntry(ctx context.Context, entry store.LogEntry) error
}

// Repo is the backup repository the pipeline writes into.
type Repo interface {
	Dir() string
	Prepare(ctx context.Context) error
	Pull(ctx context.Context) error
	Commit(paths []string, message string) (bool, error)
	Push(ctx context.Context) error
}

type Options struct {
	BaseURL string
	Push    bool
}

// Report summarizes one pipeline run. Per-document failures are recorded
// and skipped; they never abort the run.
type Report struct {
	Exported    []int64
	Failed      []int64
	Committed   bool
	Pushed      bool
	PushSkipped bool
}

type Service struct {
	store  Store
	repo   Repo
	mirror *Mirror
	opts   Options

	// runMu serializes whole runs: the per-document tree rebuild and the
	// commit that follows must not interleave with another run on the
	// same working directory.
	runMu sync.Mutex
}

// NewService wires the pipeline. mirror may be nil when no object store is
// configured.
func NewService(st Store, repo Repo, mirror *Mirror, opts Options) *Service {
	return &Service{store: st, repo: repo, mirror: mirror, opts: opts}
}

// Run executes the full pipeline: prepare the clone, pull, write one file
// tree per edition document, commit, push. Preparing the clone is the only
// fatal step; pull and push degrade to warnings, and a failing document is
// skipped so the rest of the batch still exports.
func (s *Service) Run(ctx context.Context, only []int64, actor string) (Report, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	report := Report{Exported: []int64{}, Failed: []int64{}}

	if err := s.repo.Prepare(ctx); err != nil {
		return report, fmt.Errorf("prepare backup repo: %w", err)
	}
	if err := s.repo.Pull(ctx); err != nil && !errors.Is(err, gitrepo.ErrNoOrigin) {
		log.Printf("export: pull failed, continuing with local state: %v", err)
	}

	ids, err := s.store.ListEditionDocumentIDs(ctx, only)
	if err != nil {
		return report, fmt.Errorf("list edition documents: %w", err)
	}

	var written []string
	for _, id := range ids {
		paths, err := s.exportDocument(ctx, id)
		if err != nil {
			log.Printf("export: document %d failed: %v", id, err)
			report.Failed = append(report.Failed, id)
			continue
		}
		written = append(written, paths...)
		report.Exported = append(report.Exported, id)
	}

	if len(report.Exported) == 0 {
		return report, nil
	}

	message := fmt.Sprintf("Export annotations for %d document(s) [%s]", len(report.Exported), actor)
	committed, err := s.repo.Commit([]string{"annotations", "transcriptions"}, message)
	if err != nil {
		return report, fmt.Errorf("commit export: %w", err)
	}
	report.Committed = committed

	if committed {
		if err := s.store.InsertLogEntry(ctx, store.LogEntry{
			Action:     "export",
			ObjectKind: "backup",
			ObjectID:   strconv.Itoa(len(report.Exported)),
			Actor:      actor,
			Note:       message,
		}); err != nil {
			log.Printf("export: record log entry: %v", err)
		}
		if s.mirror != nil {
			s.mirror.UploadAll(ctx, s.repo.Dir(), written)
		}
	}

	if committed && s.opts.Push {
		// Pull once more to catch remote commits made during the run, then
		// push.
		if err := s.repo.Pull(ctx); err != nil && !errors.Is(err, gitrepo.ErrNoOrigin) {
			log.Printf("export: pre-push pull failed: %v", err)
		}
		err := s.repo.Push(ctx)
		switch {
		case errors.Is(err, gitrepo.ErrNoOrigin):
			log.Print("export: no backup remote configured, push skipped")
			report.PushSkipped = true
		case err != nil:
			return report, fmt.Errorf("push export: %w", err)
		default:
			report.Pushed = true
		}
	}
	return report, nil
}

// exportDocument writes the annotation lists and transcription files for
// one document and returns the written paths relative to the repo root.
func (s *Service) exportDocument(ctx context.Context, documentID int64) ([]string, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	footnotes, err := s.store.ListEditionFootnotes(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load footnotes: %w", err)
	}

	// The canvas lists cover every annotation on the document, not only
	// the edition ones, so translations stay visible to viewers.
	all, err := s.store.ListDocumentAnnotations(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load annotations: %w", err)
	}
	perFootnote := make(map[int64][]*annotation.Annotation, len(footnotes))
	for _, fn := range footnotes {
		items, err := s.store.ListFootnoteAnnotations(ctx, fn.ID)
		if err != nil {
			return nil, fmt.Errorf("load annotations for footnote %d: %w", fn.ID, err)
		}
		perFootnote[fn.ID] = items
	}

	var written []string

	// Canvas lists. The per-document directory is rebuilt from scratch so
	// canvases that lost all annotations disappear from the tree.
	docDir := filepath.Join("annotations", strconv.FormatInt(documentID, 10), "list")
	absDocDir := filepath.Join(s.repo.Dir(), docDir)
	if err := os.RemoveAll(absDocDir); err != nil {
		return nil, fmt.Errorf("clear list dir: %w", err)
	}
	if err := os.MkdirAll(absDocDir, 0o755); err != nil {
		return nil, fmt.Errorf("create list dir: %w", err)
	}

	groups, unaddressed := annotation.GroupByCanvas(all)
	if len(unaddressed) > 0 {
		log.Printf("export: document %d has %d annotation(s) without a canvas target", documentID, len(unaddressed))
	}
	for _, canvas := range annotation.CanvasURIs(groups) {
		name, err := annotation.CanvasFilename(canvas)
		if err != nil {
			log.Printf("export: document %d: skip canvas %q: %v", documentID, canvas, err)
			continue
		}
		listURI := s.opts.BaseURL + "/annotations/search/?uri=" + url.QueryEscape(canvas)
		payload, err := json.MarshalIndent(annotation.ToList(groups[canvas], listURI, s.opts.BaseURL), "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode list for canvas %s: %w", canvas, err)
		}
		rel := filepath.Join(docDir, name+".json")
		if err := os.WriteFile(filepath.Join(s.repo.Dir(), rel), append(payload, '\n'), 0o644); err != nil {
			return nil, fmt.Errorf("write list %s: %w", rel, err)
		}
		written = append(written, rel)
	}

	// Transcriptions, one HTML and one plain-text file per footnote.
	for _, fn := range footnotes {
		items := perFootnote[fn.ID]
		if len(items) == 0 {
			continue
		}
		source, err := s.store.GetSource(ctx, fn.SourceID)
		if err != nil {
			return nil, fmt.Errorf("load source %d: %w", fn.SourceID, err)
		}
		name := annotation.TranscriptionFilename(documentID, fn.SourceID, source.Authors)

		html, err := RenderTranscriptionHTML(doc, source, items)
		if err != nil {
			return nil, err
		}
		text, err := HTMLToText(html)
		if err != nil {
			return nil, err
		}

		htmlRel := filepath.Join("transcriptions", "html", name+".html")
		txtRel := filepath.Join("transcriptions", "txt", name+".txt")
		for rel, contents := range map[string]string{htmlRel: html, txtRel: text} {
			abs := filepath.Join(s.repo.Dir(), rel)
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return nil, fmt.Errorf("create transcription dir: %w", err)
			}
			if err := os.WriteFile(abs, []byte(contents), 0o644); err != nil {
				return nil, fmt.Errorf("write transcription %s: %w", rel, err)
			}
			written = append(written, rel)
		}
	}

	return written, nil
}
