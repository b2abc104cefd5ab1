package transfer

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/mkuhring/lzsync/internal/checksum"
	"github.com/mkuhring/lzsync/internal/config"
	"github.com/mkuhring/lzsync/internal/console"
	"github.com/mkuhring/lzsync/internal/grid"
)

// memStorage is an in-memory Storage for engine tests.
type memStorage struct {
	mu          sync.Mutex
	objects     map[string][]byte
	puts        []string
	collections []string
	checksummed []string
	failPuts    map[string]error
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte), failPuts: make(map[string]error)}
}

func (m *memStorage) List(_ context.Context, root string) (map[string][]grid.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]grid.Object)
	for p, data := range m.objects {
		if p == root || strings.HasPrefix(p, root+"/") {
			name := path.Base(p)
			out[name] = append(out[name], grid.Object{Name: name, Path: p, Size: int64(len(data))})
		}
	}
	return out, nil
}

func (m *memStorage) Stat(_ context.Context, p string) (*grid.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[p]
	if !ok {
		return nil, errors.Errorf("%w: %s", grid.ErrNotFound, p)
	}
	return &grid.Object{Name: path.Base(p), Path: p, Size: int64(len(data))}, nil
}

func (m *memStorage) Put(_ context.Context, localPath, remotePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failPuts[remotePath]; ok {
		return err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	m.objects[remotePath] = data
	m.puts = append(m.puts, remotePath)
	return nil
}

func (m *memStorage) Get(_ context.Context, remotePath, localPath string) error {
	m.mu.Lock()
	data, ok := m.objects[remotePath]
	m.mu.Unlock()
	if !ok {
		return errors.Errorf("%w: %s", grid.ErrNotFound, remotePath)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (m *memStorage) EnsureCollection(_ context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections = append(m.collections, path.Dir(p))
	return nil
}

func (m *memStorage) ComputeChecksum(_ context.Context, p string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checksummed = append(m.checksummed, p)
	return "", nil
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func newTestEngine(storage grid.Storage) *Engine {
	return NewEngine(storage, checksum.NewProvider(checksum.SchemeMD5), console.AutoConfirm{})
}

func remotePaths(jobs []Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.RemotePath
	}
	return out
}

func TestBuildJobsPairsDataWithSidecars(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "0123456789")
	writeFile(t, dir, "b.txt", "01234")
	writeFile(t, dir, "b.txt.md5", "4100c4d44da9177247e44a5fc1546778  b.txt\n")

	engine := newTestEngine(newMemStorage())
	jobs, err := engine.BuildJobs([]string{dir}, "/zone/raw_data", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"/zone/raw_data/a.txt",
		"/zone/raw_data/a.txt.md5",
		"/zone/raw_data/b.txt",
		"/zone/raw_data/b.txt.md5",
	}, remotePaths(jobs))

	byRemote := make(map[string]Job)
	for _, j := range jobs {
		byRemote[j.RemotePath] = j
	}
	assert.Equal(t, int64(10), byRemote["/zone/raw_data/a.txt"].Bytes)
	assert.Equal(t, int64(-1), byRemote["/zone/raw_data/a.txt.md5"].Bytes)
	assert.Positive(t, byRemote["/zone/raw_data/b.txt.md5"].Bytes)
}

func TestBuildJobsSingleFileAndMissingSource(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "sample.txt", "data")

	engine := newTestEngine(newMemStorage())
	jobs, err := engine.BuildJobs([]string{p}, "/zone", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"/zone/sample.txt", "/zone/sample.txt.md5"}, remotePaths(jobs))

	_, err = engine.BuildJobs([]string{filepath.Join(dir, "nope.txt")}, "/zone", nil)
	assert.True(t, errors.Is(err, ErrMissingFile))
}

func TestFixMissingSidecarsRepairsAll(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello world\n")
	writeFile(t, dir, "b.txt", "01234")
	writeFile(t, dir, "b.txt.md5", "4100c4d44da9177247e44a5fc1546778  b.txt\n")

	engine := newTestEngine(newMemStorage())
	jobs, err := engine.BuildJobs([]string{dir}, "/zone", nil)
	require.NoError(t, err)

	fixed, err := engine.FixMissingSidecars(context.Background(), jobs, 0)
	require.NoError(t, err)
	require.Len(t, fixed, 4)
	for _, j := range fixed {
		assert.GreaterOrEqual(t, j.Bytes, int64(0), j.LocalPath)
	}

	provider := checksum.NewProvider(checksum.SchemeMD5)
	rec, err := provider.ParseSidecar(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "6f5902ac237024bdd0c176cb93063dc4", rec.Digest)
}

func TestFixMissingSidecarsFailsOnMissingData(t *testing.T) {
	dir := t.TempDir()
	jobs := []Job{
		{LocalPath: filepath.Join(dir, "ghost.txt.md5"), RemotePath: "/zone/ghost.txt.md5", Bytes: -1},
	}
	engine := newTestEngine(newMemStorage())
	_, err := engine.FixMissingSidecars(context.Background(), jobs, 2)
	require.Error(t, err)
}

func TestPutUploadsAndIsIdempotentUnderSync(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "0123456789")
	writeFile(t, dir, "b.txt", "01234")

	storage := newMemStorage()
	engine := newTestEngine(storage)
	jobs, err := engine.BuildJobs([]string{dir}, "/zone", nil)
	require.NoError(t, err)
	jobs, err = engine.FixMissingSidecars(context.Background(), jobs, 0)
	require.NoError(t, err)

	opts := PutOptions{Overwrite: config.OverwriteSync}
	require.NoError(t, engine.Put(context.Background(), jobs, opts))
	assert.Len(t, storage.puts, 4)
	assert.Len(t, storage.objects, 4)

	require.NoError(t, engine.Put(context.Background(), jobs, opts))
	assert.Len(t, storage.puts, 4)
}

func TestPutDryRunTouchesNothing(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "data")

	storage := newMemStorage()
	engine := newTestEngine(storage)
	jobs, err := engine.BuildJobs([]string{dir}, "/zone", nil)
	require.NoError(t, err)

	require.NoError(t, engine.Put(context.Background(), jobs, PutOptions{DryRun: true}))
	assert.Empty(t, storage.puts)
	assert.Empty(t, storage.collections)
}

func TestPutNeverPolicySkipsExisting(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "a.txt", "new content")

	storage := newMemStorage()
	storage.objects["/zone/a.txt"] = []byte("old")
	engine := newTestEngine(storage)

	jobs := []Job{NewJob(p, "/zone/a.txt")}
	require.NoError(t, engine.Put(context.Background(), jobs, PutOptions{Overwrite: config.OverwriteNever}))
	assert.Equal(t, []byte("old"), storage.objects["/zone/a.txt"])
	assert.Empty(t, storage.puts)
}

// scriptedPrompter answers every confirmation the same way and records
// the questions asked.
type scriptedPrompter struct {
	answer    bool
	questions []string
}

func (p *scriptedPrompter) Confirm(question string) bool {
	p.questions = append(p.questions, question)
	return p.answer
}

func (p *scriptedPrompter) Choose(string, []string) (int, error) { return 0, nil }

func (p *scriptedPrompter) Secret(string) (string, error) { return "", nil }

func TestPutAskPolicyConsultsPrompter(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "a.txt", "new content")

	t.Run("accepted", func(t *testing.T) {
		storage := newMemStorage()
		storage.objects["/zone/a.txt"] = []byte("old")
		prompter := &scriptedPrompter{answer: true}
		engine := NewEngine(storage, checksum.NewProvider(checksum.SchemeMD5), prompter)

		jobs := []Job{NewJob(p, "/zone/a.txt")}
		require.NoError(t, engine.Put(context.Background(), jobs, PutOptions{Overwrite: config.OverwriteAsk}))
		require.Len(t, prompter.questions, 1)
		assert.Contains(t, prompter.questions[0], "/zone/a.txt")
		assert.Equal(t, []byte("new content"), storage.objects["/zone/a.txt"])
	})

	t.Run("declined", func(t *testing.T) {
		storage := newMemStorage()
		storage.objects["/zone/a.txt"] = []byte("old")
		prompter := &scriptedPrompter{answer: false}
		engine := NewEngine(storage, checksum.NewProvider(checksum.SchemeMD5), prompter)

		jobs := []Job{NewJob(p, "/zone/a.txt")}
		require.NoError(t, engine.Put(context.Background(), jobs, PutOptions{Overwrite: config.OverwriteAsk}))
		assert.Equal(t, []byte("old"), storage.objects["/zone/a.txt"])
		assert.Empty(t, storage.puts)
	})

	t.Run("no conflict, no prompt", func(t *testing.T) {
		storage := newMemStorage()
		prompter := &scriptedPrompter{answer: false}
		engine := NewEngine(storage, checksum.NewProvider(checksum.SchemeMD5), prompter)

		jobs := []Job{NewJob(p, "/zone/a.txt")}
		require.NoError(t, engine.Put(context.Background(), jobs, PutOptions{Overwrite: config.OverwriteAsk}))
		assert.Empty(t, prompter.questions)
		assert.Equal(t, []byte("new content"), storage.objects["/zone/a.txt"])
	})
}

func TestPutReportsEveryFailedPath(t *testing.T) {
	dir := t.TempDir()
	aPath := writeFile(t, dir, "a.txt", "aaa")
	bPath := writeFile(t, dir, "b.txt", "bbb")

	storage := newMemStorage()
	storage.failPuts["/zone/a.txt"] = errors.New("connection reset")
	engine := newTestEngine(storage)

	jobs := []Job{NewJob(aPath, "/zone/a.txt"), NewJob(bPath, "/zone/b.txt")}
	err := engine.Put(context.Background(), jobs, PutOptions{Overwrite: config.OverwriteAlways, Parallel: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 transfers failed")
	assert.Contains(t, err.Error(), aPath)
	assert.Contains(t, storage.objects, "/zone/b.txt")
}

func TestPutReportsProgress(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "a.txt", "0123456789")

	storage := newMemStorage()
	engine := newTestEngine(storage)

	var lastDone, lastTotal int64
	jobs := []Job{NewJob(p, "/zone/a.txt")}
	err := engine.Put(context.Background(), jobs, PutOptions{
		Overwrite: config.OverwriteAlways,
		Progress:  func(done, total int64) { lastDone, lastTotal = done, total },
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), lastDone)
	assert.Equal(t, int64(10), lastTotal)
}

func TestGetRoundTripPreservesChecksum(t *testing.T) {
	srcDir := t.TempDir()
	p := writeFile(t, srcDir, "a.txt", "hello world\n")

	storage := newMemStorage()
	engine := newTestEngine(storage)
	require.NoError(t, engine.Put(context.Background(), []Job{NewJob(p, "/zone/a.txt")}, PutOptions{Overwrite: config.OverwriteAlways}))

	dstDir := t.TempDir()
	local := filepath.Join(dstDir, "nested", "a.txt")
	err := engine.Get(context.Background(), []Job{{LocalPath: local, RemotePath: "/zone/a.txt"}}, false, 0, nil)
	require.NoError(t, err)

	digest, err := checksum.NewProvider(checksum.SchemeMD5).Compute(local)
	require.NoError(t, err)
	assert.Equal(t, "6f5902ac237024bdd0c176cb93063dc4", digest)
}

func TestGetSkipsExistingWithoutOverwrite(t *testing.T) {
	dir := t.TempDir()
	local := writeFile(t, dir, "a.txt", "local version")

	storage := newMemStorage()
	storage.objects["/zone/a.txt"] = []byte("remote version")
	engine := newTestEngine(storage)

	err := engine.Get(context.Background(), []Job{{LocalPath: local, RemotePath: "/zone/a.txt"}}, false, 0, nil)
	require.NoError(t, err)
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "local version", string(data))

	err = engine.Get(context.Background(), []Job{{LocalPath: local, RemotePath: "/zone/a.txt"}}, true, 0, nil)
	require.NoError(t, err)
	data, err = os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "remote version", string(data))
}

func TestChksumSkipsSidecarObjects(t *testing.T) {
	storage := newMemStorage()
	engine := newTestEngine(storage)

	engine.Chksum(context.Background(), []Job{
		{RemotePath: "/zone/a.txt"},
		{RemotePath: "/zone/a.txt.md5"},
		{RemotePath: "/zone/b.txt"},
	})
	assert.Equal(t, []string{"/zone/a.txt", "/zone/b.txt"}, storage.checksummed)
}

func TestSortJobsAndTotalBytes(t *testing.T) {
	jobs := []Job{
		{LocalPath: "/tmp/b", Bytes: 5},
		{LocalPath: "/tmp/a", Bytes: 10},
		{LocalPath: "/tmp/c", Bytes: -1},
	}
	SortJobs(jobs)
	assert.Equal(t, "/tmp/a", jobs[0].LocalPath)
	assert.Equal(t, "/tmp/c", jobs[2].LocalPath)
	assert.Equal(t, int64(15), TotalBytes(jobs))
}
