package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"ai-image-pipeline/internal/domain/ports/adapter"
	"ai-image-pipeline/internal/infra/metrics"
)

var _ adapter.ImageGenerator = (*OpenAIImageGenerator)(nil)

// OpenAIImageGenerator produces variations through the OpenAI Images API.
type OpenAIImageGenerator struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

func NewOpenAIImageGenerator(apiKey, model string, timeout time.Duration) (*OpenAIImageGenerator, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key empty")
	}
	if model == "" {
		model = "dall-e-3"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIImageGenerator{
		client:  openai.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		timeout: timeout,
	}, nil
}

func (g *OpenAIImageGenerator) Name() string { return "openai" }

func (g *OpenAIImageGenerator) Generate(ctx context.Context, req adapter.GenerateRequest) ([]adapter.GeneratedAsset, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	model := req.Model
	if model == "" {
		model = g.model
	}
	params := openai.ImageGenerateParams{
		Prompt:         req.Prompt,
		Model:          openai.ImageModel(model),
		N:              openai.Int(int64(req.Count)),
		ResponseFormat: openai.ImageGenerateParamsResponseFormatURL,
	}
	if req.Width > 0 && req.Height > 0 {
		params.Size = openai.ImageGenerateParamsSize(fmt.Sprintf("%dx%d", req.Width, req.Height))
	}

	start := time.Now()
	resp, err := g.client.Images.Generate(ctx, params)
	metrics.ObserveProviderCall(g.Name(), "generate", time.Since(start).Milliseconds(), err == nil)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, normalizeHTTPStatus(g.Name(), "generate", apiErr.StatusCode, apiErr.Message)
		}
		return nil, normalizeTransport(g.Name(), "generate", err)
	}

	assets := make([]adapter.GeneratedAsset, 0, len(resp.Data))
	for _, d := range resp.Data {
		if d.URL == "" {
			continue
		}
		assets = append(assets, adapter.GeneratedAsset{
			URL:       d.URL,
			MappingID: ulid.Make().String(),
			Seed:      req.Seed,
		})
	}
	return assets, nil
}
