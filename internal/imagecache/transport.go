package imagecache

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/tphakala/birdnet-tiles/internal/errors"
	"github.com/tphakala/birdnet-tiles/internal/httpclient"
)

// DefaultMaxBytes caps a single image download.
const DefaultMaxBytes = 5 << 20

// HTTPTransport downloads images with the shared HTTP client.
type HTTPTransport struct {
	client   *httpclient.Client
	maxBytes int64
}

// NewHTTPTransport returns a Transport over client. maxBytes <= 0 uses DefaultMaxBytes.
func NewHTTPTransport(client *httpclient.Client, maxBytes int64) *HTTPTransport {
	if client == nil {
		client = httpclient.New(httpclient.Config{})
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &HTTPTransport{client: client, maxBytes: maxBytes}
}

// Fetch GETs url and returns its content type and body. Non-2xx statuses,
// oversized bodies and non-image content are errors.
func (t *HTTPTransport) Fetch(ctx context.Context, url string) (string, []byte, error) {
	resp, err := t.client.Get(ctx, url)
	if err != nil {
		return "", nil, fetchError(err, url, "request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", nil, fetchError(fmt.Errorf("unexpected status %d", resp.StatusCode), url, "status")
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBytes+1))
	if err != nil {
		return "", nil, fetchError(err, url, "read_body")
	}
	if int64(len(data)) > t.maxBytes {
		return "", nil, errors.Newf("image exceeds %d bytes", t.maxBytes).
			Component("imagecache").
			Category(errors.CategoryLimit).
			Context("url", url).
			Build()
	}

	contentType := mediaType(resp.Header.Get("Content-Type"))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mediaType(http.DetectContentType(data))
	}
	if !strings.HasPrefix(contentType, "image/") {
		return "", nil, errors.Newf("unexpected content type %q", contentType).
			Component("imagecache").
			Category(errors.CategoryImageFetch).
			Context("url", url).
			Context("operation", "content_type").
			Build()
	}

	return contentType, data, nil
}

func fetchError(err error, url, op string) *errors.EnhancedError {
	return errors.New(err).
		Component("imagecache").
		Category(errors.CategoryImageFetch).
		Context("url", url).
		Context("operation", op).
		Build()
}

func mediaType(header string) string {
	if header == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(header, ";")[0]))
	}
	return mt
}
