package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// File is a path and its full content.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// FileSet maps paths to contents, ordered by first write.
// Entries are added or overwritten, never removed.
type FileSet struct {
	order    []string
	contents map[string]string
}

// NewFileSet returns an empty set.
func NewFileSet() *FileSet {
	return &FileSet{contents: make(map[string]string)}
}

// Put adds or overwrites path. An overwrite keeps the original position.
func (fs *FileSet) Put(path, content string) {
	if fs.contents == nil {
		fs.contents = make(map[string]string)
	}
	if _, ok := fs.contents[path]; !ok {
		fs.order = append(fs.order, path)
	}
	fs.contents[path] = content
}

// Get returns the content stored for path.
func (fs *FileSet) Get(path string) (string, bool) {
	if fs == nil {
		return "", false
	}
	c, ok := fs.contents[path]
	return c, ok
}

// Len returns the number of distinct paths.
func (fs *FileSet) Len() int {
	if fs == nil {
		return 0
	}
	return len(fs.order)
}

// Paths returns paths in first-write order.
func (fs *FileSet) Paths() []string {
	if fs == nil {
		return nil
	}
	return append([]string(nil), fs.order...)
}

// Files returns a copy of the entries in first-write order.
func (fs *FileSet) Files() []File {
	if fs == nil {
		return nil
	}
	out := make([]File, 0, len(fs.order))
	for _, p := range fs.order {
		out = append(out, File{Path: p, Content: fs.contents[p]})
	}
	return out
}

// Clone returns an independent copy.
func (fs *FileSet) Clone() *FileSet {
	c := NewFileSet()
	for _, f := range fs.Files() {
		c.Put(f.Path, f.Content)
	}
	return c
}

// MarshalJSON encodes the set as a JSON object whose keys keep first-write order.
// Markup in file contents is written as-is. json.Marshal re-escapes it, so callers that
// store the encoding call MarshalJSON directly.
func (fs *FileSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	buf.WriteByte('{')
	for i, f := range fs.Files() {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := enc.Encode(f.Path); err != nil {
			return nil, err
		}
		buf.Truncate(buf.Len() - 1)
		buf.WriteByte(':')
		if err := enc.Encode(f.Content); err != nil {
			return nil, err
		}
		buf.Truncate(buf.Len() - 1)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, preserving key order from the document.
func (fs *FileSet) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("failed to decode file set: %w", err)
	}
	if tok == nil {
		*fs = FileSet{contents: make(map[string]string)}
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("file set must be a JSON object")
	}
	*fs = FileSet{contents: make(map[string]string)}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("failed to decode file path: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("file path must be a string")
		}
		var content string
		if err := dec.Decode(&content); err != nil {
			return fmt.Errorf("failed to decode content of %s: %w", key, err)
		}
		fs.Put(key, content)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("failed to decode file set: %w", err)
	}
	return nil
}
