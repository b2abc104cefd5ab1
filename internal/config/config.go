// Package config defines the immutable per-invocation settings consumed
// by the core packages, plus loading of rc-file defaults.
package config

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gitlab.com/tozd/go/errors"

	"github.com/mkuhring/lzsync/internal/checksum"
)

// OverwritePolicy controls what happens when an upload target already
// exists remotely.
type OverwritePolicy string

const (
	// OverwriteSync uploads only if the remote object is absent or its
	// size differs from the local file.
	OverwriteSync OverwritePolicy = "sync"
	// OverwriteAlways uploads unconditionally.
	OverwriteAlways OverwritePolicy = "always"
	// OverwriteNever silently skips existing remote objects.
	OverwriteNever OverwritePolicy = "never"
	// OverwriteAsk prompts once per conflicting file.
	OverwriteAsk OverwritePolicy = "ask"
)

// ParseOverwritePolicy validates a user-supplied policy name.
func ParseOverwritePolicy(s string) (OverwritePolicy, error) {
	switch p := OverwritePolicy(strings.ToLower(s)); p {
	case OverwriteSync, OverwriteAlways, OverwriteNever, OverwriteAsk:
		return p, nil
	default:
		return "", errors.Errorf("invalid overwrite policy %q (sync, always, never, ask)", s)
	}
}

// DestKind classifies a destination descriptor.
type DestKind int

const (
	// DestPath is a concrete remote root path.
	DestPath DestKind = iota
	// DestUUID is a landing zone or project UUID.
	DestUUID
)

// Destination is the parsed destination descriptor of an invocation.
type Destination struct {
	Kind DestKind
	// Raw is the descriptor as given by the user.
	Raw string
}

// ParseDestination classifies raw as a UUID or a remote path. Anything
// that is not a UUID must look like an absolute remote path.
func ParseDestination(raw string) (Destination, error) {
	if _, err := uuid.Parse(raw); err == nil {
		return Destination{Kind: DestUUID, Raw: raw}, nil
	}
	if strings.HasPrefix(raw, "/") {
		return Destination{Kind: DestPath, Raw: raw}, nil
	}
	return Destination{}, errors.Errorf("destination %q is neither a UUID nor an absolute remote path", raw)
}

// Settings is the full configuration surface of one core invocation.
// It is constructed once and passed explicitly; the core keeps no
// global configuration state.
type Settings struct {
	// ServerURL is the zone service base URL.
	ServerURL string
	// APIToken authenticates against the zone service.
	APIToken string
	// Bucket is the object grid bucket backing remote paths.
	Bucket string

	// Scheme selects the checksum scheme for sidecars.
	Scheme checksum.Scheme
	// Overwrite is the upload overwrite policy.
	Overwrite OverwritePolicy
	// Parallel is the transfer worker count; 0 runs jobs inline.
	Parallel int
	// ChecksumJobs bounds parallel sidecar computation; 0 runs inline.
	ChecksumJobs int
	// DryRun short-circuits before any network call.
	DryRun bool
	// AutoConfirm answers yes to all prompts (--yes).
	AutoConfirm bool

	// ConnectTimeout and RequestTimeout bound zone service calls.
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// Defaults returns Settings with the documented default values.
func Defaults() Settings {
	return Settings{
		Scheme:         checksum.SchemeMD5,
		Overwrite:      OverwriteSync,
		Parallel:       8,
		ChecksumJobs:   8,
		ConnectTimeout: 30 * time.Second,
		RequestTimeout: 10 * time.Minute,
	}
}

// Validate checks enum fields and required values.
func (s Settings) Validate() error {
	if _, err := ParseOverwritePolicy(string(s.Overwrite)); err != nil {
		return err
	}
	if _, err := checksum.ParseScheme(string(s.Scheme)); err != nil {
		return err
	}
	if s.Parallel < 0 {
		return errors.New("parallel must be >= 0")
	}
	if s.ChecksumJobs < 0 {
		return errors.New("checksum jobs must be >= 0")
	}
	return nil
}
