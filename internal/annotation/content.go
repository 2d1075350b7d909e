package annotation

// Content is the free-form body of a W3C Web Annotation. The payload shape
// varies by producer (TEI importer, ALTO importer, manual API) so it is kept
// as a dynamic map with targeted accessors for the well-known paths instead
// of a closed schema.
type Content map[string]any

// envelopeKeys are computed at compile time and never stored in Content.
var envelopeKeys = []string{"@context", "id", "type", "created", "modified"}

func (c Content) Clone() Content {
	if c == nil {
		return Content{}
	}
	out := make(Content, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// stringAt walks nested maps and returns the string at the given path,
// or "" when any step is missing or not a map/string.
func (c Content) stringAt(path ...string) string {
	var current any = map[string]any(c)
	for i, key := range path {
		node, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current, ok = node[key]
		if !ok {
			return ""
		}
		if i == len(path)-1 {
			value, _ := current.(string)
			return value
		}
	}
	return ""
}

// TargetSourceID returns the canvas URI at target.source.id. Annotations
// without one are tolerated but excluded from canvas grouping.
func (c Content) TargetSourceID() string {
	return c.stringAt("target", "source", "id")
}

// TargetSourcePartOfID returns the manifest URI at target.source.partOf.id.
func (c Content) TargetSourcePartOfID() string {
	return c.stringAt("target", "source", "partOf", "id")
}

// DCSource returns the source URI at dc:source; a list value yields its
// first string element.
func (c Content) DCSource() string {
	switch value := c["dc:source"].(type) {
	case string:
		return value
	case []any:
		for _, item := range value {
			if s, ok := item.(string); ok {
				return s
			}
		}
	}
	return ""
}

// Motivations returns the motivation field normalized to a slice; a bare
// string becomes a one-element slice.
func (c Content) Motivations() []string {
	switch value := c["motivation"].(type) {
	case string:
		return []string{value}
	case []any:
		items := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok {
				items = append(items, s)
			}
		}
		return items
	}
	return nil
}

// Position returns the explicit schema:position ordering hint, if present.
// JSON numbers decode as float64.
func (c Content) Position() (int, bool) {
	switch value := c["schema:position"].(type) {
	case float64:
		return int(value), true
	case int:
		return value, true
	}
	return 0, false
}

func stringField(c Content, key string) string {
	value, _ := c[key].(string)
	return value
}
