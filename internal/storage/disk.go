package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DiskStore writes artifacts into a local directory served under urlPrefix.
type DiskStore struct {
	dir       string
	urlPrefix string
}

func NewDiskStore(dir, urlPrefix string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create screenshot directory: %w", err)
	}

	if urlPrefix == "" {
		urlPrefix = "/screenshots"
	}

	return &DiskStore{
		dir:       dir,
		urlPrefix: "/" + strings.Trim(urlPrefix, "/"),
	}, nil
}

// Dir returns the directory artifacts are written to
func (s *DiskStore) Dir() string {
	return s.dir
}

// URLPrefix returns the URL path artifacts are served under
func (s *DiskStore) URLPrefix() string {
	return s.urlPrefix
}

// Put writes to a hidden temp file and links it into place, so readers never
// see a partial PNG and an existing name is never overwritten.
func (s *DiskStore) Put(ctx context.Context, name, contentType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}

	tmp, err := os.CreateTemp(s.dir, "."+name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", name, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}

	// link fails with EEXIST instead of replacing the way rename would
	if err := os.Link(tmpName, filepath.Join(s.dir, name)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrExists, name)
		}
		return "", fmt.Errorf("failed to publish %s: %w", name, err)
	}

	return path.Join(s.urlPrefix, name), nil
}
