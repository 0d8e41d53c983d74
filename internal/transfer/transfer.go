package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/dunamismax/renderflow/internal/preview"
	"github.com/rs/zerolog"
)

const (
	keyPrefix          = "renders"
	maxThumbnailBytes  = 32 << 20
	defaultVideoFormat = "mp4"
)

// TransferError reports a failed copy from the engine into durable storage.
// Callers treat it as non-fatal.
type TransferError struct {
	Op  string
	URL string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// ObjectStore is the subset of storage.Client used for artifacts.
type ObjectStore interface {
	Put(ctx context.Context, objectKey string, r io.Reader, size int64, contentType string) (string, error)
	PutBytes(ctx context.Context, objectKey string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, objectKey string) error
}

type Config struct {
	HTTPClient       *http.Client
	PreviewWidth     int
	PreviewFormat    string
	PreviewWatermark string
}

type Transfer struct {
	http        *http.Client
	store       ObjectStore
	transformer preview.Transformer
	cfg         Config
	logger      zerolog.Logger
}

func New(store ObjectStore, transformer preview.Transformer, cfg Config, logger zerolog.Logger) (*Transfer, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if transformer == nil {
		return nil, errors.New("preview transformer is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	cfg.PreviewFormat = preview.NormalizeFormat(cfg.PreviewFormat)

	return &Transfer{
		http:        client,
		store:       store,
		transformer: transformer,
		cfg:         cfg,
		logger:      logger.With().Str("component", "transfer").Logger(),
	}, nil
}

// Video streams the engine output into durable storage and returns its public URL.
func (t *Transfer) Video(ctx context.Context, jobID, sourceURL string) (string, error) {
	resp, err := t.get(ctx, sourceURL)
	if err != nil {
		return "", &TransferError{Op: "video", URL: sourceURL, Err: err}
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	ext := videoExtension(sourceURL, contentType)
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		contentType = mime.TypeByExtension("." + ext)
		if contentType == "" {
			contentType = "video/mp4"
		}
	}

	key := path.Join(keyPrefix, jobID, "output."+ext)
	publicURL, err := t.store.Put(ctx, key, resp.Body, resp.ContentLength, contentType)
	if err != nil {
		return "", &TransferError{Op: "video", URL: sourceURL, Err: err}
	}

	t.logger.Debug().Str("job_id", jobID).Str("object_key", key).Msg("video transferred")
	return publicURL, nil
}

// Thumbnails converts each engine still into a preview and uploads it. On any
// failure the previews already uploaded for this call are removed.
func (t *Transfer) Thumbnails(ctx context.Context, jobID string, sourceURLs []string, watermark bool) ([]string, error) {
	opts := preview.Options{
		Width:  t.cfg.PreviewWidth,
		Format: t.cfg.PreviewFormat,
	}
	if watermark {
		opts.Watermark = t.cfg.PreviewWatermark
	}

	uploaded := make([]string, 0, len(sourceURLs))
	urls := make([]string, 0, len(sourceURLs))
	for i, sourceURL := range sourceURLs {
		key := path.Join(keyPrefix, jobID, fmt.Sprintf("thumb-%d.%s", i, opts.Format))
		publicURL, err := t.thumbnail(ctx, sourceURL, key, opts)
		if err != nil {
			t.discard(jobID, uploaded)
			return nil, &TransferError{Op: "thumbnail", URL: sourceURL, Err: err}
		}
		uploaded = append(uploaded, key)
		urls = append(urls, publicURL)
	}
	return urls, nil
}

func (t *Transfer) thumbnail(ctx context.Context, sourceURL, key string, opts preview.Options) (string, error) {
	resp, err := t.get(ctx, sourceURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	frame, err := io.ReadAll(io.LimitReader(resp.Body, maxThumbnailBytes+1))
	if err != nil {
		return "", fmt.Errorf("read thumbnail: %w", err)
	}
	if len(frame) > maxThumbnailBytes {
		return "", fmt.Errorf("thumbnail exceeds %d bytes", maxThumbnailBytes)
	}

	img, err := t.transformer.Preview(ctx, frame, opts)
	if err != nil {
		return "", err
	}
	return t.store.PutBytes(ctx, key, img.Data, preview.ContentType(img.Format))
}

func (t *Transfer) discard(jobID string, keys []string) {
	// The caller's context may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, key := range keys {
		if err := t.store.Delete(ctx, key); err != nil {
			t.logger.Warn().Err(err).Str("job_id", jobID).Str("object_key", key).Msg("discard partial thumbnail failed")
		}
	}
}

func (t *Transfer) get(ctx context.Context, sourceURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("download returned status %d", resp.StatusCode)
	}
	return resp, nil
}

func videoExtension(sourceURL, contentType string) string {
	if u, err := url.Parse(sourceURL); err == nil {
		ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
		switch ext {
		case "mp4", "mov", "webm", "gif":
			return ext
		}
	}
	switch {
	case strings.HasPrefix(contentType, "video/quicktime"):
		return "mov"
	case strings.HasPrefix(contentType, "video/webm"):
		return "webm"
	case strings.HasPrefix(contentType, "image/gif"):
		return "gif"
	default:
		return defaultVideoFormat
	}
}
