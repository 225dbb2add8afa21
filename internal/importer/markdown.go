// Package importer bulk-loads markdown and plain-text files from disk into
// the journal as file events. Markdown YAML frontmatter (title, tags, date)
// maps into event fields and metadata.
package importer

import (
	"bufio"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/recollect/recollect/pkg/types"
)

// ParsedFile is one file prepared for ingestion.
type ParsedFile struct {
	// Path is the absolute filesystem path to the file.
	Path string

	// Title comes from frontmatter, the first H1 heading, or the filename,
	// in that order.
	Title string

	// Content is the body text with frontmatter stripped.
	Content string

	// Tags are the frontmatter tags, if any.
	Tags []string

	// Timestamp is the frontmatter "date" field, zero when absent.
	Timestamp time.Time
}

// ParseFile parses one markdown or text file's content. Plain-text files
// simply have no frontmatter to strip.
func ParseFile(content []byte, path string) (*ParsedFile, error) {
	fm, body, err := splitFrontmatter(string(content))
	if err != nil {
		return nil, fmt.Errorf("frontmatter parse error in %s: %w", path, err)
	}

	title := extractString(fm, "title")
	if title == "" {
		title = extractH1(body)
	}
	if title == "" {
		title = titleFromPath(path)
	}

	return &ParsedFile{
		Path:      path,
		Title:     title,
		Content:   strings.TrimSpace(body),
		Tags:      extractTags(fm),
		Timestamp: extractTimestamp(fm),
	}, nil
}

// Event converts the parsed file into an ingestable file event.
func (f *ParsedFile) Event(sourceApp string) *types.Event {
	metadata := make(map[string]any)
	if len(f.Tags) > 0 {
		metadata["tags"] = f.Tags
	}
	if !f.Timestamp.IsZero() {
		metadata[types.MetadataCapturedAt] = f.Timestamp.Format(time.RFC3339)
	}

	return &types.Event{
		SourceType: types.SourceFile,
		SourceApp:  sourceApp,
		Title:      f.Title,
		Origin:     f.Path,
		Content:    f.Content,
		Metadata:   metadata,
	}
}

// splitFrontmatter separates YAML frontmatter (between --- delimiters) from
// the body. Returns an empty map and the full text when no frontmatter is
// found.
func splitFrontmatter(text string) (map[string]any, string, error) {
	scanner := bufio.NewScanner(strings.NewReader(text))

	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return map[string]any{}, text, nil
	}

	closeIdx := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			closeIdx = i
			break
		}
	}
	if closeIdx == -1 {
		// No closing delimiter, treat the whole file as body.
		return map[string]any{}, text, nil
	}

	fmText := strings.Join(lines[1:closeIdx], "\n")
	fm := make(map[string]any)
	if err := yaml.Unmarshal([]byte(fmText), &fm); err != nil {
		return map[string]any{}, text, fmt.Errorf("invalid YAML: %w", err)
	}

	body := strings.Join(lines[closeIdx+1:], "\n")
	return fm, body, nil
}

// titleFromPath derives a human-readable title from the file name.
func titleFromPath(path string) string {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	name = strings.ReplaceAll(name, "-", " ")
	name = strings.ReplaceAll(name, "_", " ")
	return strings.TrimSpace(name)
}

// extractH1 returns the text of the first ATX heading (# ...) in the body.
func extractH1(body string) string {
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(line[2:])
		}
	}
	return ""
}

// extractTags reads tags from frontmatter. Handles both list and
// comma-separated string forms.
func extractTags(fm map[string]any) []string {
	raw, ok := fm["tags"]
	if !ok {
		return nil
	}

	switch v := raw.(type) {
	case []any:
		var tags []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				tags = append(tags, s)
			}
		}
		return tags
	case string:
		var tags []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
		return tags
	}
	return nil
}

// extractTimestamp reads a date field from frontmatter, trying several
// common layouts.
func extractTimestamp(fm map[string]any) time.Time {
	layouts := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
		"January 2, 2006",
	}

	for _, key := range []string{"date", "created", "created_at"} {
		raw, ok := fm[key]
		if !ok {
			continue
		}
		var s string
		switch v := raw.(type) {
		case string:
			s = v
		case time.Time:
			return v
		default:
			s = fmt.Sprintf("%v", v)
		}
		for _, layout := range layouts {
			if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

func extractString(fm map[string]any, key string) string {
	if s, ok := fm[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
