package providers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"ai-image-pipeline/internal/domain/ports/adapter"
	"ai-image-pipeline/internal/infra/metrics"
)

var _ adapter.BackgroundRemover = (*RemoveBgAdapter)(nil)

// RemoveBgAdapter calls a remove.bg-compatible HTTP endpoint: multipart
// upload in, PNG with transparency out.
type RemoveBgAdapter struct {
	apiKey string
	url    string
	client *http.Client
}

func NewRemoveBgAdapter(apiKey, url string, timeout time.Duration) (*RemoveBgAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("background removal api key empty")
	}
	if url == "" {
		url = "https://api.remove.bg/v1.0/removebg"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &RemoveBgAdapter{
		apiKey: apiKey,
		url:    url,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (r *RemoveBgAdapter) Name() string { return "removebg" }

func (r *RemoveBgAdapter) Remove(ctx context.Context, img []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("image_file", "image.png")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(img); err != nil {
		return nil, err
	}
	_ = w.WriteField("format", "png")
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("X-Api-Key", r.apiKey)

	start := time.Now()
	resp, err := r.client.Do(req)
	metrics.ObserveProviderCall(r.Name(), "remove", time.Since(start).Milliseconds(), err == nil)
	if err != nil {
		return nil, normalizeTransport(r.Name(), "remove", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, normalizeHTTPStatus(r.Name(), "remove", resp.StatusCode, string(body))
	}
	return io.ReadAll(resp.Body)
}
