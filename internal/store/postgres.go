package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"geniza/api/internal/annotation"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── documents and sources ──

func (s *PostgresStore) GetDocument(ctx context.Context, documentID int64) (Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, shelfmark, description, created_at
		FROM documents
		WHERE id=$1
	`, documentID).Scan(&item.ID, &item.Shelfmark, &item.Description, &item.CreatedAt)
	if err != nil {
		return Document{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetSource(ctx context.Context, sourceID int64) (Source, error) {
	var item Source
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, authors, year
		FROM sources
		WHERE id=$1
	`, sourceID).Scan(&item.ID, &item.Title, &item.Authors, &item.Year)
	if err != nil {
		return Source{}, err
	}
	return item, nil
}

// ListEditionDocumentIDs returns ids of documents carrying at least one
// DIGITAL_EDITION footnote, optionally restricted to an explicit id set,
// in stable ascending order.
func (s *PostgresStore) ListEditionDocumentIDs(ctx context.Context, only []int64) ([]int64, error) {
	query := `
		SELECT DISTINCT target_id
		FROM footnotes
		WHERE target_kind='document' AND $1 = ANY(relation_types)
	`
	args := []any{RelationDigitalEdition}
	if len(only) > 0 {
		query += ` AND target_id = ANY(string_to_array($2, ',')::bigint[])`
		args = append(args, joinIDs(only))
	}
	query += ` ORDER BY target_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list edition documents: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document ids: %w", err)
	}
	return ids, nil
}

// ── footnotes ──

const footnoteColumns = `id, target_kind, target_id, source_id, location, array_to_string(relation_types, ','), created_at`

func (s *PostgresStore) scanFootnote(row interface{ Scan(...any) error }) (Footnote, error) {
	var item Footnote
	var relations string
	err := row.Scan(&item.ID, &item.Target.Kind, &item.Target.ID, &item.SourceID, &item.Location, &relations, &item.CreatedAt)
	if err != nil {
		return Footnote{}, err
	}
	item.RelationTypes = splitRelations(relations)
	return item, nil
}

func (s *PostgresStore) GetFootnote(ctx context.Context, footnoteID int64) (Footnote, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+footnoteColumns+`
		FROM footnotes
		WHERE id=$1
	`, footnoteID)
	return s.scanFootnote(row)
}

// FindDigitalFootnote returns the footnote carrying the given digital
// relation for (target, source), or nil when none exists.
func (s *PostgresStore) FindDigitalFootnote(ctx context.Context, target TargetRef, sourceID int64, relation string) (*Footnote, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+footnoteColumns+`
		FROM footnotes
		WHERE target_kind=$1 AND target_id=$2 AND source_id=$3 AND $4 = ANY(relation_types)
	`, target.Kind, target.ID, sourceID, relation)
	item, err := s.scanFootnote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find digital footnote: %w", err)
	}
	return &item, nil
}

// SiblingLocation returns the location of the single non-digital sibling
// footnote for (target, source), or "" when zero or more than one match —
// an ambiguous location is never guessed.
func (s *PostgresStore) SiblingLocation(ctx context.Context, target TargetRef, sourceID int64, sibling string) (string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT location
		FROM footnotes
		WHERE target_kind=$1 AND target_id=$2 AND source_id=$3 AND $4 = ANY(relation_types)
	`, target.Kind, target.ID, sourceID, sibling)
	if err != nil {
		return "", fmt.Errorf("lookup sibling footnotes: %w", err)
	}
	defer rows.Close()

	var locations []string
	for rows.Next() {
		var location string
		if err := rows.Scan(&location); err != nil {
			return "", fmt.Errorf("scan sibling location: %w", err)
		}
		locations = append(locations, location)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate sibling footnotes: %w", err)
	}
	if len(locations) != 1 {
		return "", nil
	}
	return locations[0], nil
}

// CreateDigitalFootnote inserts a footnote carrying the digital relation,
// logging the creation in the same transaction. A unique-constraint loss
// against a concurrent creator is recovered by re-reading the winning row;
// created reports whether this call inserted.
func (s *PostgresStore) CreateDigitalFootnote(ctx context.Context, target TargetRef, sourceID int64, relation, location, actor string) (Footnote, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Footnote{}, false, fmt.Errorf("begin footnote tx: %w", err)
	}

	item := Footnote{
		Target:        target,
		SourceID:      sourceID,
		Location:      location,
		RelationTypes: []string{relation},
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO footnotes (target_kind, target_id, source_id, location, relation_types)
		VALUES ($1, $2, $3, $4, string_to_array($5, ','))
		RETURNING id, created_at
	`, target.Kind, target.ID, sourceID, location, relation).Scan(&item.ID, &item.CreatedAt)
	if err != nil {
		_ = tx.Rollback()
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			existing, findErr := s.FindDigitalFootnote(ctx, target, sourceID, relation)
			if findErr != nil {
				return Footnote{}, false, findErr
			}
			if existing == nil {
				return Footnote{}, false, fmt.Errorf("footnote uniqueness race lost but winner not found: %w", err)
			}
			return *existing, false, nil
		}
		return Footnote{}, false, fmt.Errorf("insert footnote: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO log_entries (action, object_kind, object_id, actor, note)
		VALUES ('create', 'footnote', $1, $2, $3)
	`, strconv.FormatInt(item.ID, 10), actor, "created via annotation import"); err != nil {
		_ = tx.Rollback()
		return Footnote{}, false, fmt.Errorf("log footnote creation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Footnote{}, false, fmt.Errorf("commit footnote tx: %w", err)
	}
	return item, true, nil
}

func (s *PostgresStore) ListEditionFootnotes(ctx context.Context, documentID int64) ([]Footnote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+footnoteColumns+`
		FROM footnotes
		WHERE target_kind='document' AND target_id=$1 AND $2 = ANY(relation_types)
		ORDER BY id
	`, documentID, RelationDigitalEdition)
	if err != nil {
		return nil, fmt.Errorf("list edition footnotes: %w", err)
	}
	defer rows.Close()

	items := make([]Footnote, 0)
	for rows.Next() {
		item, err := s.scanFootnote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan footnote: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate footnotes: %w", err)
	}
	return items, nil
}

// RemoveDigitalRelations strips the digital relation tags from a footnote,
// keeping the row and any non-digital relation types it still carries.
func (s *PostgresStore) RemoveDigitalRelations(ctx context.Context, footnoteID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE footnotes
		SET relation_types = array_remove(array_remove(relation_types, $2), $3)
		WHERE id=$1
	`, footnoteID, RelationDigitalEdition, RelationDigitalTranslation)
	if err != nil {
		return fmt.Errorf("remove digital relations: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountFootnoteAnnotations(ctx context.Context, footnoteID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM annotations WHERE footnote_id=$1`, footnoteID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count footnote annotations: %w", err)
	}
	return count, nil
}

// ── annotations ──

const annotationColumns = `id, footnote_id, block_id, content, canonical, via, created, modified`

func scanAnnotation(row interface{ Scan(...any) error }) (*annotation.Annotation, error) {
	item := &annotation.Annotation{}
	var content []byte
	if err := row.Scan(&item.ID, &item.FootnoteID, &item.BlockID, &content, &item.Canonical, &item.Via, &item.Created, &item.Modified); err != nil {
		return nil, err
	}
	if len(content) > 0 {
		if err := json.Unmarshal(content, &item.Content); err != nil {
			return nil, fmt.Errorf("decode annotation content: %w", err)
		}
	}
	if item.Content == nil {
		item.Content = annotation.Content{}
	}
	return item, nil
}

func (s *PostgresStore) InsertAnnotation(ctx context.Context, item *annotation.Annotation) error {
	content, err := json.Marshal(item.Content)
	if err != nil {
		return fmt.Errorf("encode annotation content: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO annotations (id, footnote_id, block_id, content, canonical, via, created, modified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, item.ID, item.FootnoteID, item.BlockID, content, item.Canonical, item.Via, item.Created, item.Modified)
	if err != nil {
		return fmt.Errorf("insert annotation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAnnotation(ctx context.Context, id uuid.UUID) (*annotation.Annotation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+annotationColumns+`
		FROM annotations
		WHERE id=$1
	`, id)
	return scanAnnotation(row)
}

func (s *PostgresStore) UpdateAnnotation(ctx context.Context, item *annotation.Annotation) error {
	content, err := json.Marshal(item.Content)
	if err != nil {
		return fmt.Errorf("encode annotation content: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE annotations
		SET footnote_id=$2, content=$3, canonical=$4, via=$5, modified=$6
		WHERE id=$1
	`, item.ID, item.FootnoteID, content, item.Canonical, item.Via, item.Modified)
	if err != nil {
		return fmt.Errorf("update annotation: %w", err)
	}
	return nil
}

// DeleteAnnotation removes the row and records the deletion. Deleted ids
// are never reused.
func (s *PostgresStore) DeleteAnnotation(ctx context.Context, id uuid.UUID, actor string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM annotations WHERE id=$1`, id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete annotation: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO log_entries (action, object_kind, object_id, actor, note)
		VALUES ('delete', 'annotation', $1, $2, '')
	`, id.String(), actor); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("log annotation deletion: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) listAnnotations(ctx context.Context, where string, args ...any) ([]*annotation.Annotation, error) {
	query := `SELECT ` + annotationColumns + ` FROM annotations a`
	if where != "" {
		query += " " + where
	}
	query += ` ORDER BY created`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	items := make([]*annotation.Annotation, 0)
	for rows.Next() {
		item, err := scanAnnotation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListAnnotations(ctx context.Context) ([]*annotation.Annotation, error) {
	return s.listAnnotations(ctx, "")
}

func (s *PostgresStore) ListFootnoteAnnotations(ctx context.Context, footnoteID int64) ([]*annotation.Annotation, error) {
	return s.listAnnotations(ctx, `WHERE footnote_id=$1`, footnoteID)
}

// ListDocumentAnnotations returns every annotation attached to a document
// through a digital footnote, in creation order.
func (s *PostgresStore) ListDocumentAnnotations(ctx context.Context, documentID int64) ([]*annotation.Annotation, error) {
	query := `
		SELECT ` + qualifiedAnnotationColumns + `
		FROM annotations a
		JOIN footnotes f ON f.id = a.footnote_id
		WHERE f.target_kind='document' AND f.target_id=$1
		ORDER BY a.created
	`
	rows, err := s.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("list document annotations: %w", err)
	}
	defer rows.Close()

	items := make([]*annotation.Annotation, 0)
	for rows.Next() {
		item, err := scanAnnotation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return items, nil
}

const qualifiedAnnotationColumns = `a.id, a.footnote_id, a.block_id, a.content, a.canonical, a.via, a.created, a.modified`

// SearchAnnotations filters by exact match on the well-known content paths.
func (s *PostgresStore) SearchAnnotations(ctx context.Context, filter SearchFilter) ([]*annotation.Annotation, error) {
	var conditions []string
	var args []any
	arg := func(value any) string {
		args = append(args, value)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.CanvasURI != "" {
		conditions = append(conditions, `content #>> '{target,source,id}' = `+arg(filter.CanvasURI))
	}
	if filter.Manifest != "" {
		conditions = append(conditions, `content #>> '{target,source,partOf,id}' = `+arg(filter.Manifest))
	}
	if filter.SourceURI != "" {
		placeholder := arg(filter.SourceURI)
		conditions = append(conditions, `(content ->> 'dc:source' = `+placeholder+` OR content -> 'dc:source' @> to_jsonb(`+placeholder+`::text))`)
	}
	if filter.Motivation != "" {
		placeholder := arg(filter.Motivation)
		conditions = append(conditions, `(content ->> 'motivation' = `+placeholder+` OR content -> 'motivation' @> to_jsonb(`+placeholder+`::text))`)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	return s.listAnnotations(ctx, where, args...)
}

// SearchBodies is the Postgres fallback for full-text search over
// annotation body values when Meilisearch is unavailable.
func (s *PostgresStore) SearchBodies(ctx context.Context, query string, limit int) ([]*annotation.Annotation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+annotationColumns+`
		FROM annotations
		WHERE content #>> '{body,value}' ILIKE '%' || $1 || '%'
		ORDER BY created
		LIMIT $2
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search annotation bodies: %w", err)
	}
	defer rows.Close()

	items := make([]*annotation.Annotation, 0)
	for rows.Next() {
		item, err := scanAnnotation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return items, nil
}

// AnnotationStats returns the total count and the maximum modified
// timestamp, used for collection metadata and ETags.
func (s *PostgresStore) AnnotationStats(ctx context.Context) (int, time.Time, error) {
	var count int
	var modified time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MAX(modified), 'epoch'::timestamptz)
		FROM annotations
	`).Scan(&count, &modified)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("annotation stats: %w", err)
	}
	return count, modified, nil
}

func (s *PostgresStore) InsertLogEntry(ctx context.Context, entry LogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO log_entries (action, object_kind, object_id, actor, note)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.Action, entry.ObjectKind, entry.ObjectID, entry.Actor, entry.Note)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	return nil
}

func splitRelations(joined string) []string {
	if joined == "" {
		return []string{}
	}
	return strings.Split(joined, ",")
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
