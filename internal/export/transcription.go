package export

import (
	"fmt"
	"html/template"
	"strings"

	"geniza/api/internal/annotation"
	"geniza/api/internal/store"

	xhtml "golang.org/x/net/html"
)

// transcriptionTemplate renders one (document, source) transcription as a
// standalone HTML file. Annotation bodies already contain markup from the
// importers, so they are injected as-is.
var transcriptionTemplate = template.Must(template.New("transcription").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
<h1>{{.Shelfmark}}</h1>
<p class="source">{{.SourceLabel}}</p>
{{range .Blocks}}{{if .Label}}<h2>{{.Label}}</h2>
{{end}}<section>
{{.Body}}
</section>
{{end}}</body>
</html>
`))

type transcriptionBlock struct {
	Label string
	Body  template.HTML
}

type transcriptionData struct {
	Title       string
	Shelfmark   string
	SourceLabel string
	Blocks      []transcriptionBlock
}

// RenderTranscriptionHTML concatenates the sorted annotation bodies for one
// (document, source) pair into a transcription document.
func RenderTranscriptionHTML(doc store.Document, source store.Source, items []*annotation.Annotation) (string, error) {
	sorted := make([]*annotation.Annotation, len(items))
	copy(sorted, items)
	annotation.Sort(sorted)

	data := transcriptionData{
		Title:       fmt.Sprintf("PGPID %d transcription", doc.ID),
		Shelfmark:   doc.Shelfmark,
		SourceLabel: sourceLabel(source),
	}
	for _, item := range sorted {
		body := item.Body()
		if strings.TrimSpace(body) == "" {
			continue
		}
		if !strings.Contains(body, "<") {
			body = "<p>" + template.HTMLEscapeString(body) + "</p>"
		}
		data.Blocks = append(data.Blocks, transcriptionBlock{
			Label: item.Label(),
			Body:  template.HTML(body),
		})
	}

	var out strings.Builder
	if err := transcriptionTemplate.Execute(&out, data); err != nil {
		return "", fmt.Errorf("render transcription: %w", err)
	}
	return out.String(), nil
}

func sourceLabel(source store.Source) string {
	label := source.Authors
	if label == "" {
		label = "unknown author"
	}
	if source.Title != "" {
		label += ", " + source.Title
	}
	if source.Year != nil {
		label += fmt.Sprintf(" (%d)", *source.Year)
	}
	return label
}

// HTMLToText strips markup for the plain-text variant. Block-level elements
// become line breaks so line order survives.
func HTMLToText(input string) (string, error) {
	root, err := xhtml.Parse(strings.NewReader(input))
	if err != nil {
		return "", fmt.Errorf("parse transcription html: %w", err)
	}

	var out strings.Builder
	var walk func(node *xhtml.Node)
	walk = func(node *xhtml.Node) {
		switch node.Type {
		case xhtml.TextNode:
			out.WriteString(node.Data)
		case xhtml.ElementNode:
			switch node.Data {
			case "script", "style", "head":
				return
			case "br":
				out.WriteString("\n")
			}
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
		if node.Type == xhtml.ElementNode && isBlockElement(node.Data) {
			out.WriteString("\n")
		}
	}
	walk(root)

	lines := strings.Split(out.String(), "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			cleaned = append(cleaned, line)
		}
	}
	return strings.Join(cleaned, "\n") + "\n", nil
}

func isBlockElement(name string) bool {
	switch name {
	case "p", "div", "section", "li", "h1", "h2", "h3", "h4", "h5", "h6", "ul", "ol", "blockquote", "table", "tr":
		return true
	}
	return false
}
