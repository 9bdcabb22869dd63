package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"platilloadmin/internal/config"
)

var (
	ErrNotConfigured = errors.New("storage: provider not configured")
	ErrEmptyPayload  = errors.New("storage: empty payload")
	ErrNotFound      = errors.New("storage: object not found")
)

// ProgressFunc receives the bytes sent so far and the expected total. total
// is <= 0 when the size is unknown.
type ProgressFunc func(written, total int64)

// ObjectStore uploads objects into named containers and resolves a durable
// download URL for them once stored.
type ObjectStore interface {
	// Upload stores body under container/name and returns the file id to
	// resolve later.
	Upload(ctx context.Context, container, name, contentType string, body io.Reader, size int64, progress ProgressFunc) (string, error)

	ResolveDownloadURL(ctx context.Context, container, fileID string) (string, error)
}

// New returns the store selected by cfg.Provider.
func New(ctx context.Context, cfg config.StorageConfig) (ObjectStore, error) {
	switch cfg.Provider {
	case "bunny", "":
		b, err := NewBunny(cfg.Bunny)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "s3":
		s, err := NewS3(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("storage: unknown provider %q", cfg.Provider)
	}
}

// objectKey joins container and name into a clean object path.
func objectKey(container, name string) string {
	container = strings.Trim(strings.TrimSpace(container), "/")
	name = strings.TrimLeft(strings.TrimSpace(name), "/")
	if container == "" {
		return name
	}
	return container + "/" + name
}

func escapePath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return ""
	}
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, url.PathEscape(part))
	}
	return strings.Join(out, "/")
}

func FileExtForContentType(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.HasPrefix(ct, "image/jpeg"):
		return ".jpg"
	case strings.HasPrefix(ct, "image/png"):
		return ".png"
	case strings.HasPrefix(ct, "image/webp"):
		return ".webp"
	case strings.HasPrefix(ct, "image/gif"):
		return ".gif"
	}
	return ".jpg"
}
