// Package transfer plans and executes batches of uploads and downloads
// between the local filesystem and the object grid.
package transfer

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/mkuhring/lzsync/internal/checksum"
	"github.com/mkuhring/lzsync/internal/config"
	"github.com/mkuhring/lzsync/internal/console"
	"github.com/mkuhring/lzsync/internal/grid"
	"github.com/mkuhring/lzsync/internal/walker"
)

var (
	// ErrMissingFile is returned when a referenced local file does not
	// exist when a job needs it.
	ErrMissingFile = errors.Base("local file missing")
	// ErrOverwriteRefused marks an upload skipped because the user
	// declined to replace an existing remote object.
	ErrOverwriteRefused = errors.Base("refusing to overwrite remote object")
)

// ProgressFunc receives the running byte count of a batch. Values may
// lag behind the true count; they only drive display.
type ProgressFunc func(transferred, total int64)

// Engine executes transfer batches against one Storage backend.
type Engine struct {
	storage  grid.Storage
	provider *checksum.Provider
	prompter console.Prompter
}

// NewEngine creates an Engine. The prompter is only consulted for the
// ask overwrite policy.
func NewEngine(storage grid.Storage, provider *checksum.Provider, prompter console.Prompter) *Engine {
	return &Engine{storage: storage, provider: provider, prompter: prompter}
}

// BuildJobs expands local sources into upload jobs below destRoot. A
// directory source contributes its files with their relative layout
// preserved; a file source lands directly under destRoot. Every data
// file gets a companion sidecar job, whether or not the sidecar exists
// yet. Jobs come back sorted by local path.
func (e *Engine) BuildJobs(sources []string, destRoot string, excludes []string) ([]Job, error) {
	var jobs []Job
	for _, source := range sources {
		abs, err := filepath.Abs(source)
		if err != nil {
			return nil, errors.Errorf("resolve %s: %w", source, err)
		}
		fi, err := os.Stat(abs)
		if err != nil {
			return nil, errors.Errorf("%w: %s", ErrMissingFile, source)
		}
		if !fi.IsDir() {
			if checksum.IsSidecar(abs) {
				continue
			}
			jobs = append(jobs, e.jobPair(abs, path.Join(destRoot, filepath.Base(abs)))...)
			continue
		}
		w, err := walker.New(abs, excludes)
		if err != nil {
			return nil, err
		}
		files, err := w.Walk()
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			remote := path.Join(destRoot, filepath.ToSlash(f.RelPath))
			jobs = append(jobs, e.jobPair(f.Path, remote)...)
		}
	}
	SortJobs(jobs)
	return jobs, nil
}

// jobPair returns the data job followed by its sidecar job.
func (e *Engine) jobPair(localPath, remotePath string) []Job {
	scheme := e.provider.Scheme()
	return []Job{
		NewJob(localPath, remotePath),
		NewJob(scheme.SidecarPath(localPath), remotePath+scheme.Suffix()),
	}
}

// FixMissingSidecars writes the sidecars that jobs reference but that
// do not exist on disk. Existing sidecars are trusted as-is. The whole
// fix-up fails on the first computation error. parallelism 0 runs
// inline. The returned slice has corrected sizes and is re-sorted.
func (e *Engine) FixMissingSidecars(ctx context.Context, jobs []Job, parallelism int) ([]Job, error) {
	var ok []Job
	var todo []Job
	for _, j := range jobs {
		if checksum.IsSidecar(j.LocalPath) && j.Bytes < 0 {
			todo = append(todo, j)
		} else {
			ok = append(ok, j)
		}
	}
	if len(todo) == 0 {
		return jobs, nil
	}
	zerolog.Ctx(ctx).Info().Int("count", len(todo)).Msg("computing missing checksum files")

	if parallelism < 1 {
		parallelism = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	repaired := make([]Job, len(todo))
	for i, j := range todo {
		i, j := i, j
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			dataPath := strings.TrimSuffix(j.LocalPath, e.provider.Scheme().Suffix())
			if _, err := e.provider.EnsureSidecar(dataPath); err != nil {
				return errors.Errorf("write sidecar for %s: %w", dataPath, err)
			}
			repaired[i] = NewJob(j.LocalPath, j.RemotePath)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	merged := append(ok, repaired...)
	SortJobs(merged)
	return merged, nil
}

// PutOptions configures one upload batch.
type PutOptions struct {
	Overwrite config.OverwritePolicy
	DryRun    bool
	// Parallel is the worker pool size; 0 runs jobs inline in order.
	Parallel int
	Progress ProgressFunc
}

// Put uploads all jobs. In dry-run mode the intended actions are
// logged and no network call is made. Jobs fail independently; the
// returned error names every failed path.
func (e *Engine) Put(ctx context.Context, jobs []Job, opts PutOptions) error {
	log := zerolog.Ctx(ctx)
	if opts.DryRun {
		for _, j := range jobs {
			log.Info().
				Str("local", j.LocalPath).
				Str("remote", j.RemotePath).
				Int64("bytes", j.Bytes).
				Msg("would upload")
		}
		log.Info().Int("jobs", len(jobs)).Msg("dry run, nothing transferred")
		return nil
	}
	for _, j := range jobs {
		if j.Bytes < 0 {
			return errors.Errorf("%w: %s", ErrMissingFile, j.LocalPath)
		}
	}
	if err := e.ensureCollections(ctx, jobs); err != nil {
		return err
	}
	total := TotalBytes(jobs)
	return e.run(ctx, jobs, opts.Parallel, func(ctx context.Context, j Job) (int64, error) {
		return e.putOne(ctx, j, opts.Overwrite)
	}, total, opts.Progress)
}

// putOne uploads one job, honoring the overwrite policy. It returns
// the byte credit toward progress, which is granted for skips too.
func (e *Engine) putOne(ctx context.Context, j Job, policy config.OverwritePolicy) (int64, error) {
	log := zerolog.Ctx(ctx)
	if policy != config.OverwriteAlways {
		obj, err := e.storage.Stat(ctx, j.RemotePath)
		switch {
		case errors.Is(err, grid.ErrNotFound):
			// fresh upload
		case err != nil:
			return 0, errors.Errorf("stat %s: %w", j.RemotePath, err)
		default:
			switch policy {
			case config.OverwriteSync:
				if obj.Size == j.Bytes {
					log.Debug().Str("remote", j.RemotePath).Msg("size unchanged, skipping")
					return j.Bytes, nil
				}
			case config.OverwriteNever:
				log.Debug().Str("remote", j.RemotePath).Msg("exists remotely, skipping")
				return j.Bytes, nil
			case config.OverwriteAsk:
				if !e.prompter.Confirm("Overwrite " + j.RemotePath + "?") {
					return j.Bytes, errors.Errorf("%w: %s", ErrOverwriteRefused, j.RemotePath)
				}
			}
		}
	}
	if err := e.storage.Put(ctx, j.LocalPath, j.RemotePath); err != nil {
		return 0, errors.Errorf("upload %s: %w", j.LocalPath, err)
	}
	log.Debug().Str("local", j.LocalPath).Str("remote", j.RemotePath).Msg("uploaded")
	return j.Bytes, nil
}

// Get downloads all jobs. Remote sizes are stat-ed up front so the
// progress total is known. Existing local files are skipped unless
// overwrite is set.
func (e *Engine) Get(ctx context.Context, jobs []Job, overwrite bool, parallel int, progress ProgressFunc) error {
	log := zerolog.Ctx(ctx)
	sized := make([]Job, 0, len(jobs))
	var total int64
	for _, j := range jobs {
		obj, err := e.storage.Stat(ctx, j.RemotePath)
		if err != nil {
			return errors.Errorf("stat %s: %w", j.RemotePath, err)
		}
		j.Bytes = obj.Size
		total += obj.Size
		sized = append(sized, j)
	}
	return e.run(ctx, sized, parallel, func(ctx context.Context, j Job) (int64, error) {
		if _, err := os.Stat(j.LocalPath); err == nil && !overwrite {
			log.Debug().Str("local", j.LocalPath).Msg("exists locally, skipping")
			return j.Bytes, nil
		}
		if err := e.storage.Get(ctx, j.RemotePath, j.LocalPath); err != nil {
			return 0, errors.Errorf("download %s: %w", j.RemotePath, err)
		}
		return j.Bytes, nil
	}, total, progress)
}

// Chksum asks the grid to record checksums for the data objects of the
// batch. Sidecar objects are excluded. Failures are logged and do not
// fail the batch.
func (e *Engine) Chksum(ctx context.Context, jobs []Job) {
	log := zerolog.Ctx(ctx)
	for _, j := range jobs {
		if checksum.IsSidecar(j.RemotePath) {
			continue
		}
		if _, err := e.storage.ComputeChecksum(ctx, j.RemotePath); err != nil {
			log.Warn().Str("remote", j.RemotePath).Err(err).Msg("grid checksum failed")
		}
	}
}

// ensureCollections creates the parent collection of every distinct
// remote directory once.
func (e *Engine) ensureCollections(ctx context.Context, jobs []Job) error {
	seen := make(map[string]bool)
	for _, j := range jobs {
		dir := path.Dir(j.RemotePath)
		if seen[dir] {
			continue
		}
		seen[dir] = true
		if err := e.storage.EnsureCollection(ctx, j.RemotePath); err != nil {
			return errors.Errorf("ensure collection for %s: %w", j.RemotePath, err)
		}
	}
	return nil
}

// run executes jobs on a pool of parallel workers, 0 meaning inline
// sequential execution. Per-job failures are collected; overwrite
// refusals are downgraded to warnings. A shared atomic counter feeds
// the progress callback.
func (e *Engine) run(ctx context.Context, jobs []Job, parallel int, fn func(context.Context, Job) (int64, error), total int64, progress ProgressFunc) error {
	log := zerolog.Ctx(ctx)
	var transferred atomic.Int64
	report := func(n int64) {
		if progress != nil {
			progress(transferred.Add(n), total)
		} else {
			transferred.Add(n)
		}
	}

	var mu sync.Mutex
	var failed []string
	handle := func(j Job) {
		n, err := fn(ctx, j)
		report(n)
		if err == nil {
			return
		}
		if errors.Is(err, ErrOverwriteRefused) {
			log.Warn().Str("remote", j.RemotePath).Msg("remote object exists, not overwritten")
			return
		}
		log.Error().Str("local", j.LocalPath).Err(err).Msg("transfer failed")
		mu.Lock()
		failed = append(failed, j.LocalPath)
		mu.Unlock()
	}

	if parallel <= 0 {
		for _, j := range jobs {
			handle(j)
		}
	} else {
		queue := make(chan Job)
		var wg sync.WaitGroup
		for i := 0; i < parallel; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := range queue {
					handle(j)
				}
			}()
		}
		for _, j := range jobs {
			queue <- j
		}
		close(queue)
		wg.Wait()
	}

	if len(failed) > 0 {
		sort.Strings(failed)
		return errors.Errorf("%d of %d transfers failed: %s", len(failed), len(jobs), strings.Join(failed, ", "))
	}
	return nil
}
