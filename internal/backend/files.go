package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// FileReader serves a plane's filesystem root. Paths matching a sensitive
// pattern are not read from disk at all; the plane resolves those against
// its confidential_files table instead.
type FileReader struct {
	root      string
	sensitive []*regexp.Regexp
}

// NewFileReader builds a reader rooted at dir. The sensitive patterns are
// matched against the agent-supplied path as given.
func NewFileReader(root string, sensitivePatterns []string) (*FileReader, error) {
	compiled := make([]*regexp.Regexp, 0, len(sensitivePatterns))
	for _, p := range sensitivePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile sensitive path pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return &FileReader{root: root, sensitive: compiled}, nil
}

// Sensitive reports whether a path is served from the database rather than
// the filesystem.
func (f *FileReader) Sensitive(path string) bool {
	for _, re := range f.sensitive {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// Read returns the content of a file under the root. The path is resolved
// relative to the root; anything that escapes it is rejected as not found,
// indistinguishable from a genuinely missing file.
func (f *FileReader) Read(path string) (string, error) {
	full, err := f.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

// List returns the sorted names of entries in a directory under the root.
// Directories carry a trailing slash.
func (f *FileReader) List(dir string) ([]string, error) {
	full, err := f.resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// resolve maps an agent-supplied path onto the root and rejects escapes.
func (f *FileReader) resolve(path string) (string, error) {
	cleaned := filepath.Clean("/" + strings.TrimPrefix(path, "/"))
	full := filepath.Join(f.root, cleaned)

	rel, err := filepath.Rel(f.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrNotFound
	}
	return full, nil
}
