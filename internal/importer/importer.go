package importer

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/recollect/recollect/pkg/types"
)

// Submitter ingests one event. Satisfied by engine.Journal.
type Submitter interface {
	Submit(ctx context.Context, event *types.Event) error
}

// Result summarizes an import run.
type Result struct {
	Imported int
	Skipped  int
	Failed   int
}

// Importer walks a directory tree and submits each markdown or text file as
// a file event.
type Importer struct {
	submitter Submitter

	// SourceApp labels the imported events; defaults to "recollect-import".
	SourceApp string
}

// New creates an importer submitting into the given journal.
func New(submitter Submitter) *Importer {
	return &Importer{submitter: submitter, SourceApp: "recollect-import"}
}

// importExtensions lists the file types the walker picks up.
var importExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
	".txt":      true,
}

// Run imports every matching file under root. Individual file failures are
// logged and counted, never fatal; a bad file must not abort a bulk import.
func (im *Importer) Run(ctx context.Context, root string) (Result, error) {
	var result Result

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			// Skip hidden directories like .git and .obsidian.
			if name := d.Name(); name != "." && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !importExtensions[strings.ToLower(filepath.Ext(path))] {
			result.Skipped++
			return nil
		}

		if err := im.importFile(ctx, path); err != nil {
			log.Printf("ERROR: Import failed for %s: %v", path, err)
			result.Failed++
			return nil
		}
		result.Imported++
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("walk %s: %w", root, err)
	}

	log.Printf("Import complete: %d imported, %d skipped, %d failed", result.Imported, result.Skipped, result.Failed)
	return result, nil
}

func (im *Importer) importFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	parsed, err := ParseFile(data, path)
	if err != nil {
		return err
	}
	if parsed.Content == "" {
		return fmt.Errorf("no content after frontmatter")
	}

	return im.submitter.Submit(ctx, parsed.Event(im.SourceApp))
}
