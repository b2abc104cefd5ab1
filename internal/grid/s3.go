package grid

import (
	"context"
	"io"
	"math"
	"math/rand"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 100 * time.Millisecond
	defaultMaxDelay   = 30 * time.Second
)

// plainDigest matches an ETag that is a plain (non-multipart) MD5.
var plainDigest = regexp.MustCompile(`^[0-9a-f]{32}$`)

// S3Storage implements Storage on an S3-compatible object store. Grid
// paths map to keys in a single bucket; collections are implicit key
// prefixes.
type S3Storage struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewS3Storage creates an S3-backed grid client for one bucket.
func NewS3Storage(cfg aws.Config, bucket string) *S3Storage {
	client := s3.NewFromConfig(cfg)
	return &S3Storage{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		bucket:     bucket,
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		maxDelay:   defaultMaxDelay,
	}
}

func (s *S3Storage) key(gridPath string) string {
	return strings.TrimPrefix(path.Clean(gridPath), "/")
}

// List implements Storage.
func (s *S3Storage) List(ctx context.Context, root string) (map[string][]Object, error) {
	prefix := s.key(root)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	objects := make(map[string][]Object)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		var page *s3.ListObjectsV2Output
		err := s.withRetry(ctx, "list "+root, func() error {
			var pageErr error
			page, pageErr = paginator.NextPage(ctx)
			return pageErr
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			if obj.Key == nil || strings.HasSuffix(*obj.Key, "/") {
				continue
			}
			o := Object{
				Name:     path.Base(*obj.Key),
				Path:     "/" + *obj.Key,
				Size:     aws.ToInt64(obj.Size),
				Checksum: etagDigest(aws.ToString(obj.ETag)),
			}
			if o.Checksum != "" {
				o.ReplicaChecksums = []string{o.Checksum}
			}
			objects[o.Name] = append(objects[o.Name], o)
		}
	}
	return objects, nil
}

// Stat implements Storage.
func (s *S3Storage) Stat(ctx context.Context, gridPath string) (*Object, error) {
	var head *s3.HeadObjectOutput
	err := s.withRetry(ctx, "stat "+gridPath, func() error {
		var headErr error
		head, headErr = s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(gridPath)),
		})
		return headErr
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return nil, errors.Errorf("%w: %s", ErrNotFound, gridPath)
		}
		return nil, err
	}
	obj := &Object{
		Name:     path.Base(gridPath),
		Path:     gridPath,
		Size:     aws.ToInt64(head.ContentLength),
		Checksum: etagDigest(aws.ToString(head.ETag)),
	}
	if obj.Checksum != "" {
		obj.ReplicaChecksums = []string{obj.Checksum}
	}
	return obj, nil
}

// Put implements Storage. The manager uploader switches to multipart
// transfers above its part size on its own.
func (s *S3Storage) Put(ctx context.Context, localPath, remotePath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return errors.Errorf("open %s: %w", localPath, err)
	}
	defer file.Close()

	return s.withRetry(ctx, "put "+remotePath, func() error {
		if _, seekErr := file.Seek(0, io.SeekStart); seekErr != nil {
			return seekErr
		}
		_, upErr := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(remotePath)),
			Body:   file,
		})
		return upErr
	})
}

// Get implements Storage.
func (s *S3Storage) Get(ctx context.Context, remotePath, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return errors.Errorf("create %s: %w", filepath.Dir(localPath), err)
	}
	file, err := os.Create(localPath)
	if err != nil {
		return errors.Errorf("create %s: %w", localPath, err)
	}
	defer file.Close()

	return s.withRetry(ctx, "get "+remotePath, func() error {
		_, dlErr := s.downloader.Download(ctx, file, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(remotePath)),
		})
		return dlErr
	})
}

// EnsureCollection implements Storage. Collections are implicit on S3,
// so this never needs a remote call.
func (s *S3Storage) EnsureCollection(_ context.Context, _ string) error {
	return nil
}

// ComputeChecksum implements Storage. The digest comes from the object
// ETag; multipart ETags are not plain digests, in which case the grid
// has no usable checksum for the object.
func (s *S3Storage) ComputeChecksum(ctx context.Context, gridPath string) (string, error) {
	obj, err := s.Stat(ctx, gridPath)
	if err != nil {
		return "", err
	}
	return obj.Checksum, nil
}

func (s *S3Storage) withRetry(ctx context.Context, op string, fn func() error) error {
	logger := zerolog.Ctx(ctx)
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
		if attempt < s.maxRetries {
			delay := s.delay(attempt)
			logger.Warn().Err(err).Str("op", op).Dur("backoff", delay).Msg("retrying grid operation")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return errors.Errorf("%s: max retries exceeded: %w", op, lastErr)
}

// isRetryable classifies throttling, 5xx and transient network errors.
func isRetryable(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "ServiceUnavailable", "RequestTimeout", "RequestTimeoutException", "ExpiredToken":
			return true
		}
		if httpErr, ok := apiErr.(interface{ HTTPStatusCode() int }); ok {
			code := httpErr.HTTPStatusCode()
			return code >= 500 && code < 600
		}
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

func (s *S3Storage) delay(attempt int) time.Duration {
	d := float64(s.baseDelay) * math.Pow(2.0, float64(attempt))
	d += d * 0.25 * (2*rand.Float64() - 1) // +-25% jitter
	if d > float64(s.maxDelay) {
		d = float64(s.maxDelay)
	}
	return time.Duration(d)
}

func etagDigest(etag string) string {
	digest := strings.Trim(etag, `"`)
	if plainDigest.MatchString(digest) {
		return digest
	}
	return ""
}
