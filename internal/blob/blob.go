// ABOUTME: Blob storage for uploaded receipt images, addressed by opaque keys.
// ABOUTME: Backends: local directory (fs.go) and any S3-compatible endpoint (s3.go).
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get for a key that holds no object.
var ErrNotFound = errors.New("blob not found")

// Store persists image bytes.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

var allowedSuffixes = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
}

// NewKey returns a random object key under receipts/YYYY/MM/DD/ keeping the
// upload's suffix when it is a known image suffix, else ".jpg".
func NewKey(now time.Time, filename string) string {
	suffix := strings.ToLower(path.Ext(filename))
	if !allowedSuffixes[suffix] {
		suffix = ".jpg"
	}
	return fmt.Sprintf("receipts/%04d/%02d/%02d/%s%s",
		now.Year(), now.Month(), now.Day(), uuid.NewString(), suffix)
}

// ContentType guesses the image MIME type from a key's suffix.
func ContentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
