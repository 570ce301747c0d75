// Package source identifies source images, maintains their cache records
// and lazily materialises their bytes.
package source

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrInvalidReference is returned for empty or unparseable references.
var ErrInvalidReference = errors.New("invalid src reference")

// Kind classifies a source reference.
type Kind string

const (
	Remote Kind = "remote"
	Data   Kind = "data"
	Local  Kind = "local"
)

// dataSource is the Source value stored for data URL records.
const dataSource = "data"

// fsPrefix marks an absolute filesystem path in a reference.
const fsPrefix = "/@fs"

var (
	remoteRef  = regexp.MustCompile(`^https?://`)
	dataURLRef = regexp.MustCompile(`^data:image/\w+;base64,`)
)

// Classify returns the kind of ref.
func Classify(ref string) (Kind, error) {
	switch {
	case ref == "":
		return "", ErrInvalidReference
	case remoteRef.MatchString(ref):
		return Remote, nil
	case strings.HasPrefix(ref, "data:"):
		return Data, nil
	}
	return Local, nil
}

// Dirs locate local sources.
type Dirs struct {
	// RootDir resolves plain relative references.
	RootDir string
	// OutDir resolves references under /{AssetsDirName}/.
	OutDir string
	// AssetsDirName is the name of the built assets directory.
	AssetsDirName string
}

// LocalPath resolves a local reference to a filesystem path.
func LocalPath(ref string, dirs Dirs) (string, error) {
	if ref == "" {
		return "", ErrInvalidReference
	}
	if strings.HasPrefix(ref, fsPrefix) {
		u, err := url.Parse("file://" + strings.TrimPrefix(ref, fsPrefix))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidReference, err)
		}
		return filepath.Clean(filepath.FromSlash(u.Path)), nil
	}
	if dirs.AssetsDirName != "" && strings.HasPrefix(ref, "/"+dirs.AssetsDirName+"/") {
		return filepath.Join(dirs.OutDir, filepath.FromSlash(ref)), nil
	}
	return filepath.Join(dirs.RootDir, filepath.FromSlash(ref)), nil
}

// DecodeDataURL returns the payload of a base64 image data URL.
func DecodeDataURL(ref string) ([]byte, error) {
	payload := dataURLRef.ReplaceAllString(ref, "")
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding data url: %v", ErrInvalidReference, err)
	}
	return data, nil
}

// Error annotates a failure with the source reference it belongs to.
type Error struct {
	Ref string
	Op  string
	Err error
}

func (e *Error) Error() string {
	ref := e.Ref
	if strings.HasPrefix(ref, "data:") && len(ref) > 32 {
		ref = ref[:32] + "..."
	}
	return fmt.Sprintf("%s %s: %v", e.Op, ref, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
