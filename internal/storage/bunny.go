package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"platilloadmin/internal/config"
)

var tracer = otel.Tracer("platilloadmin/internal/storage")

// Bunny stores objects in a BunnyCDN storage zone and serves them from its
// pull zone.
type Bunny struct {
	client      *resty.Client
	storageBase string
	pullBase    string
	zone        string
}

type bunnyObject struct {
	ObjectName  string `json:"ObjectName"`
	Path        string `json:"Path"`
	Length      int64  `json:"Length"`
	IsDirectory bool   `json:"IsDirectory"`
}

func NewBunny(cfg config.BunnyConfig) (*Bunny, error) {
	zone := strings.TrimSpace(cfg.StorageZone)
	key := strings.TrimSpace(cfg.StorageKey)
	pull := strings.TrimSpace(cfg.PullBaseURL)
	if zone == "" || key == "" || pull == "" {
		return nil, fmt.Errorf("%w: BunnyCDN storage zone, key and pull URL are required", ErrNotConfigured)
	}
	base := strings.TrimSpace(cfg.StorageBaseURL)
	if base == "" {
		base = "https://storage.bunnycdn.com"
	}

	client := resty.New().
		SetTimeout(60*time.Second).
		SetHeader("AccessKey", key).
		SetPreRequestHook(setSizedBody)

	return &Bunny{
		client:      client,
		storageBase: strings.TrimRight(base, "/"),
		pullBase:    strings.TrimRight(pull, "/"),
		zone:        zone,
	}, nil
}

func (b *Bunny) storageURL(parts ...string) string {
	segs := []string{b.storageBase, url.PathEscape(b.zone)}
	for _, p := range parts {
		if e := escapePath(p); e != "" {
			segs = append(segs, e)
		}
	}
	return strings.Join(segs, "/")
}

func (b *Bunny) pullURL(objectPath string) string {
	return b.pullBase + "/" + escapePath(objectPath)
}

func (b *Bunny) Upload(ctx context.Context, container, name, contentType string, body io.Reader, size int64, progress ProgressFunc) (string, error) {
	key := objectKey(container, name)
	ctx, span := tracer.Start(ctx, "bunny.Upload")
	defer span.End()
	span.SetAttributes(attribute.String("storage.key", key), attribute.Int64("storage.size", size))

	if body == nil || size == 0 {
		return "", ErrEmptyPayload
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	res, err := b.client.R().
		SetContext(context.WithValue(ctx, contentLengthKey{}, size)).
		SetHeader("Content-Type", contentType).
		SetBody(newProgressReader(body, size, progress)).
		Put(b.storageURL(key))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload request failed")
		return "", fmt.Errorf("bunny upload: %w", err)
	}
	if !res.IsSuccess() {
		err := fmt.Errorf("bunny upload failed (%d): %s", res.StatusCode(), bunnyMessage(res))
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload rejected")
		return "", err
	}
	return name, nil
}

// ResolveDownloadURL confirms the object is listed in its storage directory
// before handing out the pull zone URL.
func (b *Bunny) ResolveDownloadURL(ctx context.Context, container, fileID string) (string, error) {
	key := objectKey(container, fileID)
	ctx, span := tracer.Start(ctx, "bunny.ResolveDownloadURL")
	defer span.End()
	span.SetAttributes(attribute.String("storage.key", key))

	dir, file := path.Split(key)
	res, err := b.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		Get(b.storageURL(dir) + "/")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list request failed")
		return "", fmt.Errorf("bunny list: %w", err)
	}
	if !res.IsSuccess() {
		err := fmt.Errorf("bunny list failed (%d): %s", res.StatusCode(), bunnyMessage(res))
		span.RecordError(err)
		span.SetStatus(codes.Error, "list rejected")
		return "", err
	}

	var objects []bunnyObject
	if err := json.Unmarshal(res.Body(), &objects); err != nil {
		return "", fmt.Errorf("bunny list: decode: %w", err)
	}
	for _, o := range objects {
		if !o.IsDirectory && o.ObjectName == file {
			return b.pullURL(key), nil
		}
	}
	span.SetStatus(codes.Error, "object not listed")
	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}

type contentLengthKey struct{}

// setSizedBody sends a streamed body with its known length instead of chunked,
// which is how the storage API expects uploads.
func setSizedBody(_ *resty.Client, req *http.Request) error {
	if n, ok := req.Context().Value(contentLengthKey{}).(int64); ok && n > 0 {
		req.ContentLength = n
		req.TransferEncoding = nil
	}
	return nil
}

func bunnyMessage(res *resty.Response) string {
	msg := strings.TrimSpace(res.String())
	if len(msg) > 8<<10 {
		msg = msg[:8<<10]
	}
	if msg == "" {
		msg = res.Status()
	}
	return msg
}
