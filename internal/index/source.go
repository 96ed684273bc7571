package index

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Aman-CERP/ragindex/internal/errors"
	"github.com/Aman-CERP/ragindex/internal/store"
)

// DefaultMaxFileSize skips files larger than 10MB.
const DefaultMaxFileSize int64 = 10 * 1024 * 1024

// DefaultExtensions are the file types DirectorySource reads.
var DefaultExtensions = []string{".md", ".markdown", ".txt"}

// SourceProvider supplies every source document of a collection. It is
// what a reindex replays.
type SourceProvider interface {
	Sources(ctx context.Context) ([]SourceDocument, error)
}

// StaticSource is a fixed list of documents.
type StaticSource []SourceDocument

// Sources implements SourceProvider.
func (s StaticSource) Sources(context.Context) ([]SourceDocument, error) {
	return append([]SourceDocument(nil), s...), nil
}

// DirectorySource reads text documents under Root. The docId of each
// document is its slash-separated path relative to Root.
type DirectorySource struct {
	Root string

	// Metadata is copied onto every document, typically projectId.
	Metadata store.Metadata

	// Extensions filters by file suffix. Defaults to DefaultExtensions.
	Extensions []string

	// Exclude holds filepath.Match patterns tested against both the
	// relative path and the base name.
	Exclude []string

	// MaxFileSize defaults to DefaultMaxFileSize.
	MaxFileSize int64
}

func (s *DirectorySource) extensions() []string {
	if len(s.Extensions) > 0 {
		return s.Extensions
	}
	return DefaultExtensions
}

func (s *DirectorySource) maxFileSize() int64 {
	if s.MaxFileSize > 0 {
		return s.MaxFileSize
	}
	return DefaultMaxFileSize
}

func (s *DirectorySource) excluded(rel string) bool {
	base := filepath.Base(rel)
	for _, pattern := range s.Exclude {
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

func (s *DirectorySource) wanted(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range s.extensions() {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

// Sources walks Root in lexical order. Hidden files and directories are
// skipped. A single file may be given as Root.
func (s *DirectorySource) Sources(ctx context.Context) ([]SourceDocument, error) {
	info, err := os.Stat(s.Root)
	if err != nil {
		return nil, errors.IOError("cannot read source "+s.Root, err)
	}
	if !info.IsDir() {
		doc, ok, err := s.read(s.Root, filepath.Base(s.Root), info.Size())
		if err != nil || !ok {
			return nil, err
		}
		return []SourceDocument{doc}, nil
	}

	var docs []SourceDocument
	err = filepath.WalkDir(s.Root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == s.Root {
			return nil
		}
		rel, err := filepath.Rel(s.Root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if strings.HasPrefix(d.Name(), ".") || s.excluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() || !s.wanted(d.Name()) {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		doc, ok, err := s.read(path, rel, fi.Size())
		if err != nil {
			return err
		}
		if ok {
			docs = append(docs, doc)
		}
		return nil
	})
	if err != nil {
		return nil, errors.IOError("walk "+s.Root, err)
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

// Skip reports whether rel, a slash-separated path under Root, is left
// out of Sources. It applies the same hidden-entry, exclude and extension
// rules as the walk and suits watcher.Options.Skip.
func (s *DirectorySource) Skip(rel string, isDir bool) bool {
	parts := strings.Split(rel, "/")
	for i, part := range parts {
		if strings.HasPrefix(part, ".") || s.excluded(strings.Join(parts[:i+1], "/")) {
			return true
		}
	}
	return !isDir && !s.wanted(rel)
}

// Document reads the single document docID from Root. ok is false when
// the file is gone, skipped or too large.
func (s *DirectorySource) Document(docID string) (doc SourceDocument, ok bool, err error) {
	if s.Skip(docID, false) {
		return SourceDocument{}, false, nil
	}
	path := filepath.Join(s.Root, filepath.FromSlash(docID))
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return SourceDocument{}, false, nil
	}
	if err != nil {
		return SourceDocument{}, false, errors.IOError("cannot read source "+path, err)
	}
	if !info.Mode().IsRegular() {
		return SourceDocument{}, false, nil
	}
	doc, ok, err = s.read(path, docID, info.Size())
	if err != nil {
		if os.IsNotExist(err) {
			return SourceDocument{}, false, nil
		}
		return SourceDocument{}, false, errors.IOError("cannot read source "+path, err)
	}
	return doc, ok, nil
}

func (s *DirectorySource) read(path, docID string, size int64) (SourceDocument, bool, error) {
	if size > s.maxFileSize() {
		slog.Warn("source_file_too_large",
			slog.String("path", path),
			slog.Int64("size", size),
			slog.Int64("max", s.maxFileSize()))
		return SourceDocument{}, false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return SourceDocument{}, false, err
	}

	meta := s.Metadata.Clone()
	if meta == nil {
		meta = store.Metadata{}
	}
	if _, ok := meta[store.MetaURL]; !ok {
		meta[store.MetaURL] = "file://" + filepath.ToSlash(absOr(path))
	}
	if _, ok := meta[store.MetaTitle]; !ok {
		meta[store.MetaTitle] = titleOf(string(data), docID)
	}
	return SourceDocument{ID: docID, Text: string(data), Metadata: meta}, true, nil
}

// titleOf returns the first markdown heading, else the file name.
func titleOf(text, docID string) string {
	for _, line := range strings.SplitN(text, "\n", 50) {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(line[2:])
		}
	}
	return strings.TrimSuffix(filepath.Base(docID), filepath.Ext(docID))
}

func absOr(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
