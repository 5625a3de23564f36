package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var (
	tagsLineRe  = regexp.MustCompile(`(?im)^\s*#\s*tags:\s*(.*)$`)
	docstringRe = regexp.MustCompile(`(?s)("""|''')(.*?)("""|''')`)
)

// SourceExt is the extension of reference module files.
const SourceExt = ".py"

// ScanDir reads every reference module file in dir, sorted by file name.
// The id is the file stem; tags come from a "# tags: a, b" line and the
// description from the first triple-quoted docstring.
func ScanDir(dir string) ([]Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != SourceExt || e.Name() == "__init__.py" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	docs := make([]Document, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		docs = append(docs, ParseDocument(strings.TrimSuffix(name, SourceExt), string(data)))
	}
	return docs, nil
}

// ParseDocument extracts tags and description from reference source text.
func ParseDocument(id, source string) Document {
	doc := Document{ID: id, Source: source}

	if m := tagsLineRe.FindStringSubmatch(source); m != nil {
		for _, tag := range strings.Split(m[1], ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				doc.Tags = append(doc.Tags, tag)
			}
		}
	}
	if m := docstringRe.FindStringSubmatch(source); m != nil {
		doc.Description = strings.Join(strings.Fields(m[2]), " ")
	}
	return doc
}
