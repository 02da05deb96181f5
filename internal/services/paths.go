package services

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/damacus/iron-cabinet/internal/storage"
	"github.com/damacus/iron-cabinet/internal/utils"
)

var (
	// ErrConflict is returned when a destination or marker already exists.
	ErrConflict = errors.New("destination already exists")
	// ErrInvalidPath is returned for empty or self-referencing paths.
	ErrInvalidPath = errors.New("invalid path")
	// ErrInvalidArgument is returned for other malformed request values.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrPartialRename is returned when some objects of a folder were not moved.
	ErrPartialRename = errors.New("folder partially renamed")
	// ErrUnauthorized is returned when a caller has no usable identity or role.
	ErrUnauthorized = errors.New("unauthorized")
)

func collapse(p string) string {
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return strings.TrimPrefix(p, "/")
}

// NormalizeFolder returns p with repeated separators collapsed, no leading
// separator and exactly one trailing separator. The root folder is "".
func NormalizeFolder(p string) string {
	p = collapse(strings.TrimSpace(p))
	if p == "" || p == "/" {
		return ""
	}
	return strings.TrimSuffix(p, storage.Separator) + storage.Separator
}

// NormalizeKey returns the object key for a file path.
func NormalizeKey(p string) (string, error) {
	key := collapse(strings.TrimSpace(p))
	if key == "" || strings.HasSuffix(key, storage.Separator) {
		return "", fmt.Errorf("%w: %q is not a file path", ErrInvalidPath, p)
	}
	return key, nil
}

// ParentFolder returns the folder containing key, "" for the root.
func ParentFolder(key string) string {
	dir := path.Dir(strings.TrimSuffix(key, storage.Separator))
	if dir == "." || dir == "/" {
		return ""
	}
	return dir + storage.Separator
}

// BaseName returns the last path segment without any trailing separator.
func BaseName(key string) string {
	return path.Base(strings.TrimSuffix(key, storage.Separator))
}

// IsReserved reports whether key is bookkeeping state such as the settings document.
func IsReserved(key string) bool {
	return utils.IsReservedKey(key)
}
