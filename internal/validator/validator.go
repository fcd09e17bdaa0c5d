// Package validator checks media files before upload and maps file
// extensions to the MIME type and platform media category the upload
// endpoint expects.
package validator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultMaxFileBytes mirrors the upload endpoint's hard ceiling.
const DefaultMaxFileBytes = 512 << 20

// ErrUnsupportedType means the file extension maps to no platform
// media category.
var ErrUnsupportedType = errors.New("unsupported media type")

// FileInfo describes a validated media file.
type FileInfo struct {
	Path      string
	Size      int64
	MediaType string
	Category  string
}

type mediaType struct {
	mime     string
	category string
}

var extTypes = map[string]mediaType{
	".mp4":  {"video/mp4", "tweet_video"},
	".mov":  {"video/quicktime", "tweet_video"},
	".png":  {"image/png", "tweet_image"},
	".jpg":  {"image/jpeg", "tweet_image"},
	".jpeg": {"image/jpeg", "tweet_image"},
	".webp": {"image/webp", "tweet_image"},
	".gif":  {"image/gif", "tweet_gif"},
}

var contentTypeExts = map[string]string{
	"video/mp4":       ".mp4",
	"video/quicktime": ".mov",
	"image/png":       ".png",
	"image/jpeg":      ".jpg",
	"image/webp":      ".webp",
	"image/gif":       ".gif",
}

// Validate checks that path names a readable, non-empty file of a
// supported type within maxBytes. A maxBytes of zero or less applies the
// platform default.
func Validate(path string, maxBytes int64) (*FileInfo, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileBytes
	}

	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("media file: %w", err)
	}
	if st.IsDir() {
		return nil, fmt.Errorf("media file %s is a directory", path)
	}
	if st.Size() == 0 {
		return nil, fmt.Errorf("media file %s is empty", path)
	}
	if st.Size() > maxBytes {
		return nil, fmt.Errorf("media file %s is %d bytes, limit is %d", path, st.Size(), maxBytes)
	}

	ext := strings.ToLower(filepath.Ext(path))
	mt, ok := extTypes[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, ext)
	}

	return &FileInfo{
		Path:      path,
		Size:      st.Size(),
		MediaType: mt.mime,
		Category:  mt.category,
	}, nil
}

// TypeForExt returns the MIME type and category for a file extension.
func TypeForExt(ext string) (mime, category string, ok bool) {
	mt, ok := extTypes[strings.ToLower(ext)]
	return mt.mime, mt.category, ok
}

// ExtForContentType returns a file extension for a response Content-Type,
// ignoring any media type parameters.
func ExtForContentType(contentType string) (string, bool) {
	ct := strings.TrimSpace(strings.ToLower(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	ext, ok := contentTypeExts[ct]
	return ext, ok
}
