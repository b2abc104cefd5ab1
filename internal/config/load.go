package config

import (
	"os"
	"path/filepath"

	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"

	"github.com/mkuhring/lzsync/internal/checksum"
)

// rcFileName is the per-user defaults file, looked up in $HOME.
const rcFileName = ".lzsyncrc.yaml"

// RCFile mirrors the fields a user may preset in ~/.lzsyncrc.yaml.
type RCFile struct {
	ServerURL string `yaml:"server_url,omitempty"`
	APIToken  string `yaml:"api_token,omitempty"`
	Bucket    string `yaml:"bucket,omitempty"`
	Scheme    string `yaml:"hash_scheme,omitempty"`
	Parallel  *int   `yaml:"parallel,omitempty"`
}

// LoadRC reads the rc file at path, or the one in $HOME when path is
// empty. A missing file yields an empty RCFile.
func LoadRC(path string) (RCFile, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return RCFile{}, nil
		}
		path = filepath.Join(home, rcFileName)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return RCFile{}, nil
		}
		return RCFile{}, errors.Errorf("read %s: %w", path, err)
	}
	var rc RCFile
	if err := yaml.Unmarshal(data, &rc); err != nil {
		return RCFile{}, errors.Errorf("parse %s: %w", path, err)
	}
	return rc, nil
}

// Apply overlays rc-file values onto settings for every field the user
// did not set on the command line (indicated by zero values).
func (rc RCFile) Apply(s *Settings) error {
	if s.ServerURL == "" {
		s.ServerURL = rc.ServerURL
	}
	if s.APIToken == "" {
		s.APIToken = rc.APIToken
	}
	if s.Bucket == "" {
		s.Bucket = rc.Bucket
	}
	if rc.Scheme != "" && s.Scheme == Defaults().Scheme {
		scheme, err := checksum.ParseScheme(rc.Scheme)
		if err != nil {
			return err
		}
		s.Scheme = scheme
	}
	if rc.Parallel != nil && s.Parallel == Defaults().Parallel {
		s.Parallel = *rc.Parallel
	}
	return nil
}
