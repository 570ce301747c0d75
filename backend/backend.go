// Package backend stores derivative and downloaded image files in flat,
// hash-named directories.
package backend

import (
	"context"
	"errors"
	"path"
	"strings"
)

var (
	// ErrNotFound is returned when a file does not exist in the backend.
	ErrNotFound = errors.New("not found")

	// ErrInvalidName is returned for names that are empty or would escape
	// the backend directory.
	ErrInvalidName = errors.New("invalid file name")
)

// Entry describes a stored file.
type Entry struct {
	Name string
	Size int64
}

// Backend defines a flat file store keyed by file name, such as
// "{hash}.{ext}". Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data under name, replacing any existing file.
	// Concurrent writes of the same name must leave one complete file.
	Write(ctx context.Context, name string, data []byte) error

	// Read returns the contents of name, or ErrNotFound.
	Read(ctx context.Context, name string) ([]byte, error)

	// Delete removes name. Returns nil if it does not exist.
	Delete(ctx context.Context, name string) error

	// Exists checks if name exists.
	Exists(ctx context.Context, name string) (bool, error)

	// List returns every stored file. A missing directory lists as empty.
	List(ctx context.Context) ([]Entry, error)

	// Path returns the filesystem path for name.
	Path(name string) string
}

// FileName joins a hash and an extension into a stored file name.
func FileName(hash, ext string) string {
	return hash + "." + ext
}

// Stem returns the file name without its extension. For derivative files
// this is the content hash.
func Stem(name string) string {
	base := path.Base(name)
	if i := strings.IndexByte(base, '.'); i > 0 {
		return base[:i]
	}
	return base
}

func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}
