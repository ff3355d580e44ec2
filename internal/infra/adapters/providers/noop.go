package providers

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/oklog/ulid/v2"

	"ai-image-pipeline/internal/domain/model"
	"ai-image-pipeline/internal/domain/ports/adapter"
)

// Noop adapters for local/dev runs: no network, deterministic output.

var (
	_ adapter.ImageGenerator    = (*NoopGenerator)(nil)
	_ adapter.QualityChecker    = (*NoopQualityChecker)(nil)
	_ adapter.MetadataGenerator = (*NoopMetadataGenerator)(nil)
	_ adapter.BackgroundRemover = (*NoopBackgroundRemover)(nil)
)

type NoopGenerator struct{}

func (NoopGenerator) Name() string { return "noop" }

// Generate returns tiny in-memory PNGs so the full pipeline can run offline.
func (NoopGenerator) Generate(ctx context.Context, req adapter.GenerateRequest) ([]adapter.GeneratedAsset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	img.SetNRGBA(0, 0, color.NRGBA{R: 0xff, A: 0xff})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}

	assets := make([]adapter.GeneratedAsset, req.Count)
	for i := range assets {
		assets[i] = adapter.GeneratedAsset{
			Data:      buf.Bytes(),
			MappingID: ulid.Make().String(),
			Seed:      req.Seed,
		}
	}
	return assets, nil
}

type NoopQualityChecker struct{}

func (NoopQualityChecker) Name() string { return "noop" }

func (NoopQualityChecker) Check(ctx context.Context, imagePath string, qc adapter.QCContext) (adapter.Verdict, error) {
	return adapter.Verdict{Approved: true}, ctx.Err()
}

type NoopMetadataGenerator struct{}

func (NoopMetadataGenerator) Name() string { return "noop" }

func (NoopMetadataGenerator) Generate(ctx context.Context, imagePath string, mc adapter.MetadataContext) (model.ImageMetadata, error) {
	return model.ImageMetadata{
		Title:       fmt.Sprintf("Untitled (%s)", mc.Prompt),
		Description: mc.Prompt,
		Tags:        []string{"generated"},
	}, ctx.Err()
}

type NoopBackgroundRemover struct{}

func (NoopBackgroundRemover) Name() string { return "noop" }

func (NoopBackgroundRemover) Remove(ctx context.Context, img []byte) ([]byte, error) {
	return img, ctx.Err()
}
