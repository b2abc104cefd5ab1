package transfer

import (
	"os"
	"sort"
)

// Job is one planned file movement between the local filesystem and
// the grid. Jobs are independent of each other; only their
// construction order (sorted by local path) is deterministic.
type Job struct {
	// LocalPath is the absolute local file path.
	LocalPath string
	// RemotePath is the absolute logical grid path.
	RemotePath string
	// Bytes is the file size, or -1 when the local file does not exist
	// yet (a sidecar scheduled for repair).
	Bytes int64
}

// NewJob builds a Job, reading the size from the local file. A missing
// local file yields Bytes == -1 rather than an error so that sidecar
// jobs can be scheduled before the sidecar is written.
func NewJob(localPath, remotePath string) Job {
	size := int64(-1)
	if fi, err := os.Stat(localPath); err == nil {
		size = fi.Size()
	}
	return Job{LocalPath: localPath, RemotePath: remotePath, Bytes: size}
}

// SortJobs orders jobs by local path, the canonical reporting order.
func SortJobs(jobs []Job) {
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].LocalPath < jobs[j].LocalPath
	})
}

// TotalBytes sums the known sizes of all jobs. Unknown sizes count as
// zero.
func TotalBytes(jobs []Job) int64 {
	var total int64
	for _, j := range jobs {
		if j.Bytes > 0 {
			total += j.Bytes
		}
	}
	return total
}
