// Package walker discovers local source files for transfer.
package walker

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gitlab.com/tozd/go/errors"

	"github.com/mkuhring/lzsync/internal/checksum"
)

// FileInfo represents a local file found below a walk root.
type FileInfo struct {
	Path    string // absolute path
	RelPath string // relative to the walk root
	Size    int64
}

// Walker walks local files with exclude pattern support. Checksum
// sidecar files are skipped during the walk; their jobs are derived from
// the data files they accompany.
type Walker struct {
	root         string
	excludes     []string
	keepSidecars bool
}

// New creates a Walker rooted at root. Excludes are doublestar patterns
// matched against the slash-separated relative path.
func New(root string, excludes []string) (*Walker, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Errorf("resolve %s: %w", root, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, errors.Errorf("stat %s: %w", absRoot, err)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("not a directory: %s", absRoot)
	}
	return &Walker{root: absRoot, excludes: excludes}, nil
}

// WithSidecars makes the walker return sidecar files too, for callers
// that index checksums rather than build transfer jobs.
func (w *Walker) WithSidecars() *Walker {
	w.keepSidecars = true
	return w
}

// Root returns the absolute walk root.
func (w *Walker) Root() string {
	return w.root
}

// Walk returns the matching files below the root, sorted by path.
func (w *Walker) Walk() ([]FileInfo, error) {
	var files []FileInfo

	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		relPath, err := filepath.Rel(w.root, path)
		if err != nil {
			return errors.Errorf("relativize %s: %w", path, err)
		}
		rel := filepath.ToSlash(relPath)
		if !w.keepSidecars && checksum.IsSidecar(rel) {
			return nil
		}
		if w.isExcluded(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return errors.Errorf("stat %s: %w", path, err)
		}
		files = append(files, FileInfo{
			Path:    path,
			RelPath: relPath,
			Size:    info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, errors.Errorf("walk %s: %w", w.root, err)
	}
	return files, nil
}

func (w *Walker) isExcluded(rel string) bool {
	for _, pattern := range w.excludes {
		if strings.HasSuffix(pattern, "/") {
			dirPattern := strings.TrimSuffix(pattern, "/")
			parts := strings.Split(rel, "/")
			for i := 1; i <= len(parts); i++ {
				if matched, _ := doublestar.Match(dirPattern, strings.Join(parts[:i], "/")); matched {
					return true
				}
			}
			continue
		}
		if matched, _ := doublestar.Match(pattern, rel); matched {
			return true
		}
	}
	return false
}
