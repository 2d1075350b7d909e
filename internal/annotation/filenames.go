package annotation

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"unicode"
)

// CanvasFilename derives the stable filename stem for a canvas URI. The
// algorithm must stay bit-exact across reruns: backup files keyed on it
// produce clean git diffs only if the same canvas always maps to the same
// name.
//
//	https://cudl.lib.cam.ac.uk/iiif/MS-TS-NS-00321-00008/canvas/1
//	  -> cudl_MS-TS-NS-00321-00008_canvas_1
//	https://figgy.princeton.edu/.../canvas/cfd65bb6-7ff5-47e8-9e92-29dd0e05baf2
//	  -> figgy_cfd65bb6-7ff5-47e8-9e92-29dd0e05baf2
func CanvasFilename(canvasURI string) (string, error) {
	parsed, err := url.Parse(canvasURI)
	if err != nil {
		return "", fmt.Errorf("parse canvas uri %q: %w", canvasURI, err)
	}
	host := parsed.Hostname()
	if host == "" {
		return "", fmt.Errorf("canvas uri %q has no host", canvasURI)
	}

	prefix := host
	if strings.Contains(host, "heidelberg") {
		prefix = "heidelberg"
	} else if dot := strings.Index(host, "."); dot > 0 {
		prefix = host[:dot]
	}

	p := parsed.Path
	if ext := path.Ext(p); ext != "" {
		p = strings.TrimSuffix(p, ext)
	}

	var body string
	if strings.Contains(host, "figgy") {
		// figgy canvas ids are UUIDs, unique on their own
		body = path.Base(strings.TrimRight(p, "/"))
	} else {
		if idx := strings.Index(p, "/iiif/"); idx >= 0 {
			p = p[idx+len("/iiif/"):]
		}
		p = strings.Trim(p, "/")
		// underscores, not hyphens: some source systems use hyphens
		// inside meaningful tokens
		body = strings.ReplaceAll(p, "/", "_")
	}

	return prefix + "_" + body, nil
}

// TranscriptionFilename derives the filename stem for a document/source
// transcription export.
func TranscriptionFilename(documentID, sourceID int64, authors string) string {
	if strings.TrimSpace(authors) == "" {
		authors = "unknown author"
	}
	return fmt.Sprintf("PGPID%d_s%d_%s_transcription", documentID, sourceID, Slugify(authors))
}

// Slugify lowercases, replaces whitespace runs with single hyphens and
// strips punctuation.
func Slugify(input string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(input) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-':
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), "-")
}
