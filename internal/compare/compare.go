// Package compare reconciles a local directory tree against a remote
// grid listing, partitioning files into matched, local-only and
// remote-only sets.
package compare

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/mkuhring/lzsync/internal/checksum"
	"github.com/mkuhring/lzsync/internal/grid"
)

// LocalFile is one local data file with a parsed sidecar digest. Only
// files carrying a sidecar take part in reconciliation.
type LocalFile struct {
	// Path is the absolute local path of the data file.
	Path string
	// RelPath is the path relative to the scanned root.
	RelPath string
	// Name is the base file name.
	Name string
	// Digest is the sidecar digest, lowercase hex.
	Digest string
}

// Result partitions files by reconciliation outcome. Keys are local
// directories (relative to the scanned root) for Both and LocalOnly
// and remote parent paths for RemoteOnly; values are sorted file
// names.
type Result struct {
	Both       map[string][]string
	LocalOnly  map[string][]string
	RemoteOnly map[string][]string
}

// Options controls matching and reporting.
type Options struct {
	// MatchByNameOnly matches files by base name alone, ignoring
	// checksums.
	MatchByNameOnly bool
	// Basepath, when set, is stripped from remote paths for reporting.
	Basepath string
}

// ScanLocal indexes the data files below root that carry a sidecar of
// the provider's scheme. Orphaned sidecars without a data file are
// logged and skipped. With recheck each digest is recomputed and a
// disagreement fails the scan with checksum.ErrMismatch.
func ScanLocal(ctx context.Context, root string, provider *checksum.Provider, recheck bool) ([]LocalFile, error) {
	log := zerolog.Ctx(ctx)
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Errorf("resolve %s: %w", root, err)
	}
	suffix := provider.Scheme().Suffix()
	var files []LocalFile
	err = filepath.WalkDir(absRoot, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, suffix) {
			return nil
		}
		dataPath := strings.TrimSuffix(p, suffix)
		if _, err := os.Stat(dataPath); err != nil {
			log.Warn().Str("sidecar", p).Msg("sidecar has no data file")
			return nil
		}
		rec, err := provider.ParseSidecar(dataPath)
		if err != nil {
			return errors.Errorf("parse sidecar for %s: %w", dataPath, err)
		}
		if recheck {
			if err := provider.Verify(dataPath, rec.Digest); err != nil {
				return err
			}
		}
		rel, err := filepath.Rel(absRoot, dataPath)
		if err != nil {
			return err
		}
		files = append(files, LocalFile{
			Path:    dataPath,
			RelPath: filepath.ToSlash(rel),
			Name:    filepath.Base(dataPath),
			Digest:  strings.ToLower(rec.Digest),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	return files, nil
}

// Compare partitions local files and remote objects. With name-only
// matching every same-named remote object counts as a match; otherwise
// a match additionally requires an equal checksum, so a same-named
// file with different content appears in both LocalOnly and
// RemoteOnly.
func Compare(ctx context.Context, local []LocalFile, remote map[string][]grid.Object, opts Options) *Result {
	log := zerolog.Ctx(ctx)
	result := &Result{
		Both:       make(map[string][]string),
		LocalOnly:  make(map[string][]string),
		RemoteOnly: make(map[string][]string),
	}

	matched := make(map[string]bool) // remote paths already claimed
	for _, lf := range local {
		dir := path.Dir(lf.RelPath)
		candidates := remote[lf.Name]
		if len(candidates) == 0 {
			result.LocalOnly[dir] = append(result.LocalOnly[dir], lf.Name)
			continue
		}
		if opts.MatchByNameOnly {
			if len(candidates) > 1 {
				log.Warn().Str("name", lf.Name).Int("count", len(candidates)).
					Msg("several remote objects share this name, matching all")
			}
			for _, obj := range candidates {
				matched[obj.Path] = true
			}
			result.Both[dir] = append(result.Both[dir], lf.Name)
			continue
		}
		var hits []grid.Object
		for _, obj := range candidates {
			if obj.Checksum != "" && strings.ToLower(obj.Checksum) == lf.Digest {
				hits = append(hits, obj)
			}
		}
		if len(hits) == 0 {
			result.LocalOnly[dir] = append(result.LocalOnly[dir], lf.Name)
			continue
		}
		if len(hits) > 1 {
			log.Info().Str("name", lf.Name).Int("count", len(hits)).
				Msg("checksum matches several remote objects")
		}
		for _, obj := range hits {
			matched[obj.Path] = true
		}
		result.Both[dir] = append(result.Both[dir], lf.Name)
	}

	for _, objs := range remote {
		for _, obj := range objs {
			if matched[obj.Path] {
				continue
			}
			dir := relativizeRemote(path.Dir(obj.Path), opts.Basepath)
			result.RemoteOnly[dir] = append(result.RemoteOnly[dir], obj.Name)
		}
	}

	for _, m := range []map[string][]string{result.Both, result.LocalOnly, result.RemoteOnly} {
		for k := range m {
			sort.Strings(m[k])
		}
	}
	return result
}

// relativizeRemote strips the basepath prefix from a remote directory
// for reporting.
func relativizeRemote(dir, basepath string) string {
	if basepath == "" {
		return dir
	}
	if dir == basepath {
		return "."
	}
	if strings.HasPrefix(dir, basepath+"/") {
		return strings.TrimPrefix(dir, basepath+"/")
	}
	return dir
}
