package profile

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrProfileNotEmpty is returned by Restore when the target already holds a profile
var ErrProfileNotEmpty = errors.New("profile directory is not empty")

// Snapshot archives dir into archiveDir as profile-<timestamp>.tar.gz and
// returns the archive path. The lock file and Chrome's Singleton* files are
// left out so the archive can seed a profile on another host.
func Snapshot(dir, archiveDir string, now time.Time) (string, error) {
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	name := fmt.Sprintf("profile-%s.tar.gz", now.UTC().Format("20060102T150405Z"))
	archivePath := filepath.Join(archiveDir, name)

	tmpPath := archivePath + ".tmp"
	if err := compressDirectory(dir, tmpPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to compress profile: %w", err)
	}

	if err := os.Rename(tmpPath, archivePath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to finalize snapshot: %w", err)
	}

	return archivePath, nil
}

// Restore extracts archive into dir. dir must be missing or empty (a lock
// file is ignored).
func Restore(archive, dir string) error {
	empty, err := IsEmpty(dir)
	if err != nil {
		return err
	}
	if !empty {
		return fmt.Errorf("%w: %s", ErrProfileNotEmpty, dir)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}

	if err := extractDirectory(archive, dir); err != nil {
		return fmt.Errorf("failed to extract profile: %w", err)
	}
	return nil
}

// IsEmpty reports whether dir is missing or holds nothing but a lock file
func IsEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("failed to read profile directory: %w", err)
	}

	for _, e := range entries {
		if e.Name() != LockFileName {
			return false, nil
		}
	}
	return true, nil
}

func skipEntry(name string) bool {
	return name == LockFileName || strings.HasPrefix(name, "Singleton")
}

// compressDirectory creates a tar.gz archive of a directory
func compressDirectory(source, target string) (err error) {
	file, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()

	gzWriter := gzip.NewWriter(file)
	tarWriter := tar.NewWriter(gzWriter)

	walkErr := filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == source {
			return nil
		}

		if skipEntry(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		// sockets, symlinks and the like are runtime state
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)
		if d.IsDir() {
			header.Name += "/"
		}

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tarWriter, f)
		return err
	})
	if walkErr != nil {
		return walkErr
	}

	if err := tarWriter.Close(); err != nil {
		return err
	}
	return gzWriter.Close()
}

// extractDirectory extracts a tar.gz archive to a directory
func extractDirectory(source, target string) error {
	file, err := os.Open(source)
	if err != nil {
		return err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return err
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		targetPath, err := safeJoin(target, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
				return err
			}

			outFile, err := os.OpenFile(targetPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(header.Mode)&0777)
			if err != nil {
				return err
			}

			if _, err := io.Copy(outFile, tarReader); err != nil {
				outFile.Close()
				return err
			}
			if err := outFile.Close(); err != nil {
				return err
			}
		}
	}

	return nil
}

// safeJoin joins name onto root, rejecting entries that escape it
func safeJoin(root, name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("archive entry %q is absolute", name)
	}

	joined := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, joined)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes the profile directory", name)
	}
	return joined, nil
}
