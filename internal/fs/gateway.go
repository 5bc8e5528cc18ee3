package fs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const partialSuffix = ".partial"

var ErrOutputClosed = errors.New("output already committed or discarded")

// Gateway confines report files to one output root.
type Gateway struct {
	root string
}

func NewGateway(root string) (*Gateway, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create root path: %w", err)
	}
	return &Gateway{root: absRoot}, nil
}

func (g *Gateway) Root() string {
	return g.root
}

// Output is a report file being written. Bytes go to <path>.partial and only
// reach <path> on Commit.
type Output struct {
	path    string
	partial string
	file    *os.File
	closed  bool
}

// Create opens relPath for a new run. A stale .partial from an earlier
// failed run is truncated.
func (g *Gateway) Create(relPath string) (*Output, error) {
	absPath, _, err := g.resolve(relPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("create parent directories: %w", err)
	}
	partial := absPath + partialSuffix
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open partial output: %w", err)
	}
	return &Output{path: absPath, partial: partial, file: f}, nil
}

// Exists reports whether relPath has committed, non-empty content.
func (g *Gateway) Exists(relPath string) bool {
	absPath, _, err := g.resolve(relPath)
	if err != nil {
		return false
	}
	info, err := os.Stat(absPath)
	return err == nil && info.Size() > 0
}

func (o *Output) Path() string {
	return o.path
}

func (o *Output) Write(p []byte) (int, error) {
	if o.closed {
		return 0, ErrOutputClosed
	}
	return o.file.Write(p)
}

// Commit publishes the partial file. With appendMode the content is added
// to the end of an existing file, otherwise the file is replaced.
func (o *Output) Commit(appendMode bool) error {
	if o.closed {
		return ErrOutputClosed
	}
	o.closed = true
	if err := o.file.Sync(); err != nil {
		_ = o.file.Close()
		return fmt.Errorf("sync partial output: %w", err)
	}
	if err := o.file.Close(); err != nil {
		return fmt.Errorf("close partial output: %w", err)
	}
	if !appendMode {
		if err := os.Rename(o.partial, o.path); err != nil {
			return fmt.Errorf("commit output: %w", err)
		}
		return nil
	}

	src, err := os.Open(o.partial)
	if err != nil {
		return fmt.Errorf("reopen partial output: %w", err)
	}
	defer src.Close()
	dst, err := os.OpenFile(o.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open output for append: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("append output: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	if err := os.Remove(o.partial); err != nil {
		return fmt.Errorf("remove partial output: %w", err)
	}
	return nil
}

// Discard closes the output and leaves the .partial file in place for
// inspection. The committed path is untouched.
func (o *Output) Discard() error {
	if o.closed {
		return nil
	}
	o.closed = true
	return o.file.Close()
}

func (g *Gateway) resolve(relPath string) (absolute string, normalized string, err error) {
	normalized = strings.ReplaceAll(strings.TrimSpace(relPath), "\\", "/")
	normalized = strings.TrimPrefix(normalized, "./")
	normalized = strings.TrimPrefix(normalized, "/")
	if normalized == "" || normalized == "." {
		return "", "", fmt.Errorf("invalid relative path %q", relPath)
	}

	absClean := filepath.Clean(filepath.Join(g.root, filepath.FromSlash(normalized)))
	rel, err := filepath.Rel(filepath.Clean(g.root), absClean)
	if err != nil {
		return "", "", fmt.Errorf("resolve relative path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == "." {
		return "", "", fmt.Errorf("path escapes output root: %q", relPath)
	}
	return absClean, filepath.ToSlash(rel), nil
}
