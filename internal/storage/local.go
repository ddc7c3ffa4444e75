// Package storage keeps uploaded and translated books on the local disk.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const uploadExt = ".epub"

var (
	ErrNotFound      = errors.New("file not found")
	ErrInvalidFileID = errors.New("invalid file id")
)

// Local stores uploads as <UploadDir>/<file id>.epub and outputs under
// OutputDir.
type Local struct {
	UploadDir string
	OutputDir string
}

// NewLocal creates both directories if needed.
func NewLocal(uploadDir, outputDir string) (*Local, error) {
	for _, dir := range []string{uploadDir, outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir %s: %w", dir, err)
		}
	}
	return &Local{UploadDir: uploadDir, OutputDir: outputDir}, nil
}

func (l *Local) UploadPath(fileID string) string {
	return filepath.Join(l.UploadDir, fileID+uploadExt)
}

// SaveUpload writes r as the upload fileID and returns the number of bytes
// written. A partially written file never becomes visible.
func (l *Local) SaveUpload(fileID string, r io.Reader) (int64, error) {
	if err := validateName(fileID); err != nil {
		return 0, err
	}
	return writeAtomic(l.UploadPath(fileID), r)
}

func (l *Local) ReadUpload(fileID string) ([]byte, error) {
	if err := validateName(fileID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.UploadPath(fileID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("upload %s: %w", fileID, ErrNotFound)
	}
	return data, err
}

func (l *Local) UploadExists(fileID string) bool {
	if validateName(fileID) != nil {
		return false
	}
	return isFile(l.UploadPath(fileID))
}

func (l *Local) RemoveUpload(fileID string) error {
	if err := validateName(fileID); err != nil {
		return err
	}
	err := os.Remove(l.UploadPath(fileID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// WriteOutput stores data as OutputDir/name and returns the path.
func (l *Local) WriteOutput(name string, data []byte) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	path := filepath.Join(l.OutputDir, name)
	if _, err := writeAtomic(path, bytes.NewReader(data)); err != nil {
		return "", err
	}
	return path, nil
}

func (l *Local) OutputExists(path string) bool {
	return path != "" && isFile(path)
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidFileID, name)
	}
	return nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func writeAtomic(path string, r io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("rename to %s: %w", path, err)
	}
	return n, nil
}
