package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"geniza/api/internal/search"
	"geniza/api/internal/store"

	"github.com/google/uuid"
)

// ldContentType is the media type the Web Annotation protocol expects for
// annotation responses.
const ldContentType = `application/ld+json; profile="http://www.w3.org/ns/anno.jsonld"`

// TokenValidator authorizes mutating requests and names the acting user.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (actor string, ok bool)
}

// FullTextSearcher serves q= queries over annotation bodies.
type FullTextSearcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type HTTPServer struct {
	service    *Service
	tokens     TokenValidator
	fulltext   FullTextSearcher
	corsOrigin string
}

func NewHTTPServer(service *Service, tokens TokenValidator, fulltext FullTextSearcher, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, tokens: tokens, fulltext: fulltext, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 0 || parts[0] != "annotations" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch {
	case len(parts) == 1 && (r.Method == http.MethodGet || r.Method == http.MethodHead):
		s.handleCollection(w, r)
	case len(parts) == 1 && r.Method == http.MethodPost:
		s.handleCreate(w, r)
	case len(parts) == 2 && parts[1] == "search" && r.Method == http.MethodGet:
		s.handleSearch(w, r)
	case len(parts) == 2:
		s.handleAnnotation(w, r, parts[1])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handleCollection serves the full annotation collection with conditional
// request support so exporters polling it stay cheap.
func (s *HTTPServer) handleCollection(w http.ResponseWriter, r *http.Request) {
	count, modified, err := s.service.Stats(r.Context())
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	etag := fmt.Sprintf(`W/"%d-%d"`, count, modified.UTC().Unix())
	w.Header().Set("ETag", etag)
	if !modified.IsZero() {
		w.Header().Set("Last-Modified", modified.UTC().Format(http.TimeFormat))
	}
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if since := r.Header.Get("If-Modified-Since"); since != "" && !modified.IsZero() {
		// Last-Modified has second precision, so compare at that grain.
		if t, err := http.ParseTime(since); err == nil && !modified.UTC().Truncate(time.Second).After(t) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	var payload map[string]any
	if raw := r.URL.Query().Get("page"); raw != "" {
		page, parseErr := strconv.Atoi(raw)
		if parseErr != nil || page < 1 {
			writeError(w, http.StatusBadRequest, "INVALID_PAGE", "page must be a positive integer", nil)
			return
		}
		payload, err = s.service.CollectionPage(r.Context(), page)
	} else {
		payload, err = s.service.Collection(r.Context())
	}
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	w.Header().Set("Content-Type", ldContentType)
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	var payload map[string]any
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	item, err := s.service.CreateAnnotation(r.Context(), payload, actor)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	w.Header().Set("Content-Type", ldContentType)
	w.Header().Set("Location", item.URI(s.service.BaseURL()))
	writeJSON(w, http.StatusCreated, item.Compile(s.service.BaseURL(), true))
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if text := strings.TrimSpace(query.Get("q")); text != "" && s.fulltext != nil {
		response := s.fulltext.Search(r.Context(), search.Query{
			Text:     text,
			Manifest: query.Get("manifest"),
		})
		writeJSON(w, http.StatusOK, response)
		return
	}

	filter := store.SearchFilter{
		CanvasURI:  query.Get("uri"),
		SourceURI:  query.Get("source"),
		Manifest:   query.Get("manifest"),
		Motivation: query.Get("motivation"),
	}
	requestURI := s.service.BaseURL() + r.URL.RequestURI()
	list, err := s.service.Search(r.Context(), filter, requestURI)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	w.Header().Set("Content-Type", ldContentType)
	writeJSON(w, http.StatusOK, list)
}

func (s *HTTPServer) handleAnnotation(w http.ResponseWriter, r *http.Request, rawID string) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		item, err := s.service.GetAnnotation(r.Context(), id)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.Header().Set("Content-Type", ldContentType)
		w.Header().Set("Last-Modified", item.Modified.UTC().Format(http.TimeFormat))
		writeJSON(w, http.StatusOK, item.Compile(s.service.BaseURL(), true))

	case http.MethodPost, http.MethodPut:
		actor, ok := s.requireActor(w, r)
		if !ok {
			return
		}
		var payload map[string]any
		if err := decodeBody(r, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		item, err := s.service.UpdateAnnotation(r.Context(), id, payload, actor)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.Header().Set("Content-Type", ldContentType)
		writeJSON(w, http.StatusOK, item.Compile(s.service.BaseURL(), true))

	case http.MethodDelete:
		actor, ok := s.requireActor(w, r)
		if !ok {
			return
		}
		if err := s.service.DeleteAnnotation(r.Context(), id, actor); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return "", false
	}
	actor, ok := s.tokens.Validate(r.Context(), token)
	if !ok {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return "", false
	}
	return actor, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
