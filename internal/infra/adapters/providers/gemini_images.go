package providers

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"google.golang.org/genai"

	"ai-image-pipeline/internal/domain/ports/adapter"
	"ai-image-pipeline/internal/infra/metrics"
)

var _ adapter.ImageGenerator = (*GeminiImageGenerator)(nil)

// GeminiImageGenerator produces variations through the official genai SDK.
// Gemini returns inline image bytes rather than URLs.
type GeminiImageGenerator struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

func NewGeminiImageGenerator(ctx context.Context, apiKey, baseURL, model string, timeout time.Duration) (*GeminiImageGenerator, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key empty")
	}
	if model == "" {
		model = "imagen-3.0-generate-002"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: baseURL,
		},
	})
	if err != nil {
		return nil, err
	}
	return &GeminiImageGenerator{client: c, model: model, timeout: timeout}, nil
}

func (g *GeminiImageGenerator) Name() string { return "gemini" }

func (g *GeminiImageGenerator) Generate(ctx context.Context, req adapter.GenerateRequest) ([]adapter.GeneratedAsset, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	model := req.Model
	if model == "" {
		model = g.model
	}
	cfg := &genai.GenerateImagesConfig{
		NumberOfImages: int32(req.Count),
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateImages(ctx, model, req.Prompt, cfg)
	metrics.ObserveProviderCall(g.Name(), "generate", time.Since(start).Milliseconds(), err == nil)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return nil, normalizeHTTPStatus(g.Name(), "generate", apiErr.Code, apiErr.Message)
		}
		return nil, normalizeTransport(g.Name(), "generate", err)
	}

	assets := make([]adapter.GeneratedAsset, 0, len(resp.GeneratedImages))
	for _, gi := range resp.GeneratedImages {
		if gi.Image == nil || len(gi.Image.ImageBytes) == 0 {
			continue
		}
		assets = append(assets, adapter.GeneratedAsset{
			Data:      gi.Image.ImageBytes,
			MappingID: ulid.Make().String(),
			Seed:      req.Seed,
		})
	}
	return assets, nil
}
