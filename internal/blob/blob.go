// Package blob stores generated payloads and hands back opaque references.
// The engine never interprets a reference; only Resolve turns one into a
// URL a client can fetch.
package blob

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned when a reference does not belong to the store.
var ErrNotFound = errors.New("blob not found")

// Store is the blob/artifact collaborator.
type Store interface {
	// Put stores payload bytes and returns an opaque reference.
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	// Resolve turns a reference into a (possibly signed) URL.
	Resolve(ctx context.Context, ref string) (string, error)
}

// IsURL reports whether ref is already a fetchable URL (provider-hosted
// results are passed through untouched).
func IsURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
	"audio/mpeg": ".mp3",
	"audio/wav":  ".wav",
	"audio/ogg":  ".ogg",
	"audio/flac": ".flac",
	"audio/aac":  ".aac",
	"video/mp4":  ".mp4",
	"text/plain": ".txt",
}

// extensionFor returns a file extension for a content type, ".bin" if unknown.
func extensionFor(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if ext, ok := extensions[ct]; ok {
		return ext
	}
	return ".bin"
}
