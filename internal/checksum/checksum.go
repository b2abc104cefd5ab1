// Package checksum computes and verifies file digests and manages the
// sidecar files (<name>.md5, <name>.sha256) that record them.
package checksum

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"regexp"
	"strings"

	"gitlab.com/tozd/go/errors"
)

const bufferSize = 1024 * 1024 // 1MiB chunks

// ErrMismatch is returned when a recomputed digest disagrees with a
// recorded one.
var ErrMismatch = errors.Base("checksum mismatch")

// Scheme identifies a supported hash scheme.
type Scheme string

const (
	SchemeMD5    Scheme = "MD5"
	SchemeSHA256 Scheme = "SHA256"
)

type schemeInfo struct {
	suffix  string
	pattern *regexp.Regexp
	newHash func() hash.Hash
}

var schemes = map[Scheme]schemeInfo{
	SchemeMD5: {
		suffix:  ".md5",
		pattern: regexp.MustCompile(`^[0-9a-fA-F]{32}$`),
		newHash: md5.New,
	},
	SchemeSHA256: {
		suffix:  ".sha256",
		pattern: regexp.MustCompile(`^[0-9a-fA-F]{64}$`),
		newHash: sha256.New,
	},
}

// sidecarSuffixes lists all endings that mark a file as a checksum
// sidecar, including the ".md5sum" files some pipelines emit.
var sidecarSuffixes = []string{".md5", ".sha256", ".md5sum"}

// ParseScheme converts a user-supplied scheme name.
func ParseScheme(s string) (Scheme, error) {
	scheme := Scheme(strings.ToUpper(s))
	if _, ok := schemes[scheme]; !ok {
		return "", errors.Errorf("unsupported hash scheme %q (supported: MD5, SHA256)", s)
	}
	return scheme, nil
}

// Suffix returns the sidecar file suffix for the scheme, e.g. ".md5".
func (s Scheme) Suffix() string {
	return schemes[s].suffix
}

// SidecarPath returns the sidecar path for a data file.
func (s Scheme) SidecarPath(path string) string {
	return path + s.Suffix()
}

// ValidDigest reports whether digest has the expected shape for the scheme.
func (s Scheme) ValidDigest(digest string) bool {
	return schemes[s].pattern.MatchString(digest)
}

// IsSidecar reports whether name looks like a checksum sidecar file.
func IsSidecar(name string) bool {
	for _, suffix := range sidecarSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// Record is a parsed or freshly computed sidecar entry.
type Record struct {
	TargetPath string
	Scheme     Scheme
	Digest     string
}

// Provider computes digests and repairs missing sidecars for one scheme.
type Provider struct {
	scheme Scheme
}

// NewProvider creates a Provider for the given scheme.
func NewProvider(scheme Scheme) *Provider {
	return &Provider{scheme: scheme}
}

// Scheme returns the provider's hash scheme.
func (p *Provider) Scheme() Scheme {
	return p.scheme
}

// Compute streams the file through the scheme's hash function and
// returns the hex digest.
func (p *Provider) Compute(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", errors.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	h := schemes[p.scheme].newHash()
	buf := make([]byte, bufferSize)
	if _, err := io.CopyBuffer(h, file, buf); err != nil {
		return "", errors.Errorf("read %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify recomputes the digest of path and compares it against expected.
func (p *Provider) Verify(path, expected string) error {
	actual, err := p.Compute(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(actual, expected) {
		return errors.Errorf("%w for %s: recorded %s, computed %s", ErrMismatch, path, expected, actual)
	}
	return nil
}

// ParseSidecar reads and parses the sidecar of the given data file.
// Both bare digests and coreutils "digest  filename" lines are accepted.
func (p *Provider) ParseSidecar(path string) (Record, error) {
	sidecar := p.scheme.SidecarPath(path)
	data, err := os.ReadFile(sidecar)
	if err != nil {
		return Record{}, errors.Errorf("read sidecar %s: %w", sidecar, err)
	}
	digest := parseDigestLine(string(data))
	if !p.scheme.ValidDigest(digest) {
		return Record{}, errors.Errorf("sidecar %s does not contain a valid %s digest", sidecar, p.scheme)
	}
	return Record{TargetPath: path, Scheme: p.scheme, Digest: strings.ToLower(digest)}, nil
}

// EnsureSidecar returns the parsed sidecar for path, computing and
// writing it first if it does not exist. An existing sidecar is trusted
// without recomputation. A failed write never leaves a partial sidecar
// behind.
func (p *Provider) EnsureSidecar(path string) (Record, error) {
	rec, err := p.ParseSidecar(path)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return Record{}, err
	}

	digest, err := p.Compute(path)
	if err != nil {
		return Record{}, err
	}
	sidecar := p.scheme.SidecarPath(path)
	line := digest + "  " + baseName(path) + "\n"
	if err := os.WriteFile(sidecar, []byte(line), 0o644); err != nil {
		if rmErr := os.Remove(sidecar); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return Record{}, errors.Errorf("write sidecar %s: %w (cleanup failed: %v)", sidecar, err, rmErr)
		}
		return Record{}, errors.Errorf("write sidecar %s: %w", sidecar, err)
	}
	return Record{TargetPath: path, Scheme: p.scheme, Digest: digest}, nil
}

func parseDigestLine(line string) string {
	line = strings.TrimSpace(line)
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		line = line[:i]
	}
	return line
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
