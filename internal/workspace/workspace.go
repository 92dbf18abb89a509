// Package workspace owns the per-job directories under the configured work
// root: uploaded inputs, overlay text files and the rendered output.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

var (
	// ErrTooLarge is returned when an upload exceeds the size cap.
	ErrTooLarge = errors.New("upload too large")
	ErrEmpty    = errors.New("upload is empty")
)

const (
	BeforeFile = "before"
	AfterFile  = "after"
	OutputFile = "output.mp4"
)

type Workspace struct {
	root     string
	maxBytes int64
}

// New creates root if needed.
func New(root string, maxBytes int64) (*Workspace, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	return &Workspace{root: root, maxBytes: maxBytes}, nil
}

// Root returns the work root.
func (w *Workspace) Root() string {
	return w.root
}

// MaxBytes returns the per-file upload cap.
func (w *Workspace) MaxBytes() int64 {
	return w.maxBytes
}

// Dir returns the directory of job id.
func (w *Workspace) Dir(id string) string {
	return filepath.Join(w.root, id)
}

// Create makes the directory for job id.
func (w *Workspace) Create(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\.`) {
		return "", fmt.Errorf("invalid job id %q", id)
	}
	dir := w.Dir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}
	return dir, nil
}

// Save copies r into dir/name, keeping the extension of original when it is
// a plain one, and fails with ErrTooLarge past the cap. A partial file is
// removed on failure.
func (w *Workspace) Save(dir, name, original string, r io.Reader) (string, error) {
	path := filepath.Join(dir, name+safeExt(original))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", name, err)
	}

	n, err := io.Copy(f, io.LimitReader(r, w.maxBytes+1))
	closeErr := f.Close()
	switch {
	case err != nil:
		os.Remove(path)
		return "", fmt.Errorf("write %s: %w", name, err)
	case closeErr != nil:
		os.Remove(path)
		return "", fmt.Errorf("close %s: %w", name, closeErr)
	case n > w.maxBytes:
		os.Remove(path)
		return "", fmt.Errorf("%w: %s exceeds %s", ErrTooLarge, name, humanize.IBytes(uint64(w.maxBytes)))
	case n == 0:
		os.Remove(path)
		return "", fmt.Errorf("%w: %s", ErrEmpty, name)
	}
	return path, nil
}

// WriteFiles writes path -> content pairs. Paths must live inside dir.
func WriteFiles(dir string, files map[string]string) error {
	for path, content := range files {
		rel, err := filepath.Rel(dir, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("refusing to write %s outside %s", path, dir)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// Remove deletes dir. Only directories directly under the root are touched.
func (w *Workspace) Remove(dir string) error {
	if dir == "" || filepath.Dir(filepath.Clean(dir)) != filepath.Clean(w.root) {
		return fmt.Errorf("refusing to remove %q outside %s", dir, w.root)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove job dir: %w", err)
	}
	return nil
}

// Exist reports whether every path is a regular file.
func Exist(paths ...string) bool {
	for _, p := range paths {
		if p == "" {
			return false
		}
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			return false
		}
	}
	return true
}

// Size returns the size of a regular file or 0.
func Size(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func safeExt(original string) string {
	ext := strings.ToLower(filepath.Ext(original))
	if len(ext) < 2 || len(ext) > 6 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
