// Package media manages the directory of media blobs stored outside the
// database.
package media

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultExternalThreshold is the blob size from which blobs are written
// to the media directory instead of the database.
const DefaultExternalThreshold = 16 * 1024

// Dir is a directory of external media files.
type Dir struct {
	path      string
	threshold int
}

// Open creates the directory if needed and returns a Dir for it. A
// threshold <= 0 uses DefaultExternalThreshold.
func Open(path string, threshold int) (*Dir, error) {
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	if threshold <= 0 {
		threshold = DefaultExternalThreshold
	}
	return &Dir{path: path, threshold: threshold}, nil
}

// Path returns the directory path.
func (d *Dir) Path() string {
	return d.path
}

// Externalize reports whether a blob of size bytes belongs in the directory.
func (d *Dir) Externalize(size int) bool {
	return size >= d.threshold
}

// FileName returns the external file name of a media row's blob.
func FileName(relationship string, mediaID int64) string {
	return relationship + "-" + strconv.FormatInt(mediaID, 10)
}

// ThumbnailName returns the external file name of a media row's thumbnail.
func ThumbnailName(relationship string, mediaID int64) string {
	return FileName(relationship, mediaID) + "-thumb"
}

// Write stores data under name, replacing any previous file.
func (d *Dir) Write(name string, data []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(d.path, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(d.path, name)); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// Read returns the contents of an external file.
func (d *Dir) Read(name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(d.path, name))
}

// Remove deletes the named files. Missing files are not an error; other
// failures are joined and returned after every name was tried.
func (d *Dir) Remove(names ...string) (int, error) {
	var (
		removed int
		errs    []error
	)
	for _, name := range names {
		if err := validName(name); err != nil {
			errs = append(errs, err)
			continue
		}
		err := os.Remove(filepath.Join(d.path, name))
		switch {
		case err == nil:
			removed++
		case errors.Is(err, fs.ErrNotExist):
		default:
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}

// List returns the names of all media files, sorted. Temporary files left
// by an interrupted Write are skipped.
func (d *Dir) List() ([]string, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("list media dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// DetectMIME sniffs the MIME type of a blob.
func DetectMIME(data []byte) string {
	return mimetype.Detect(data).String()
}

func validName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid media file name %q", name)
	}
	return nil
}
