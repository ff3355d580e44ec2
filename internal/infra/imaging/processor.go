package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"ai-image-pipeline/internal/domain/model"
	"ai-image-pipeline/internal/domain/ports/adapter"
)

// StepError carries the pipeline step a hard failure happened in so callers
// can build an accurate failure reason without parsing messages.
type StepError struct {
	Step model.PipelineStep
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("%s: %v", e.Step, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

// StepResult records one step's outcome for the structured stage result.
type StepResult struct {
	Step model.PipelineStep
	OK   bool
	Err  error
}

// Result is the output of one full post-processing pass.
type Result struct {
	Data  []byte
	Ext   string // final file extension: png | jpg | webp
	Steps []StepResult
}

// Processor applies the ordered, independently toggleable transforms of the
// post-processing stage: background removal, trim, enhancement, conversion.
// It is a pure transformation over bytes; file placement belongs to callers.
type Processor struct {
	remover adapter.BackgroundRemover // nil when no provider is configured
	log     *zerolog.Logger
}

func NewProcessor(remover adapter.BackgroundRemover, logger *zerolog.Logger) *Processor {
	procLog := logger.With().Str("component", "PostProcessing").Logger()
	return &Processor{remover: remover, log: &procLog}
}

// Process runs every enabled step in order. A step failure is caught locally
// and degrades to "skip this step" unless the fail policy marks the step
// hard, in which case a *StepError is returned and the image counts as
// failed. Decode and conversion failures are always hard: without them there
// is no output at all.
func (p *Processor) Process(ctx context.Context, raw []byte, settings model.ProcessingSettings, policy model.FailPolicy) (*Result, error) {
	res := &Result{}
	current := raw
	transparent := false

	// 1. Background removal.
	if settings.RemoveBackground {
		if out, err := p.removeBackground(ctx, current); err != nil {
			res.Steps = append(res.Steps, StepResult{Step: model.StepBackground, Err: err})
			if policy.Hard(model.StepBackground) {
				return res, &StepError{Step: model.StepBackground, Err: err}
			}
			p.log.Warn().Err(err).Msg("background removal failed, keeping original image")
		} else {
			current = out
			transparent = true
			res.Steps = append(res.Steps, StepResult{Step: model.StepBackground, OK: true})
		}
	}

	img, err := imaging.Decode(bytes.NewReader(current))
	if err != nil {
		return res, &StepError{Step: model.StepConversion, Err: fmt.Errorf("decode: %w", err)}
	}

	// 2. Trim transparent margins. Only meaningful after background removal
	// produced transparency.
	if settings.TrimTransparent && transparent {
		if trimmed, err := trimTransparent(img); err != nil {
			res.Steps = append(res.Steps, StepResult{Step: model.StepTrim, Err: err})
			if policy.Hard(model.StepTrim) {
				return res, &StepError{Step: model.StepTrim, Err: err}
			}
		} else {
			img = trimmed
			res.Steps = append(res.Steps, StepResult{Step: model.StepTrim, OK: true})
		}
	}

	// 3. Enhancement.
	if settings.Enhancement.Enabled {
		img = enhance(img, settings.Enhancement)
		res.Steps = append(res.Steps, StepResult{Step: model.StepEnhancement, OK: true})
	}

	// 4. Format conversion / compression.
	data, ext, err := encode(img, settings.Conversion)
	if err != nil {
		res.Steps = append(res.Steps, StepResult{Step: model.StepConversion, Err: err})
		return res, &StepError{Step: model.StepConversion, Err: err}
	}
	res.Steps = append(res.Steps, StepResult{Step: model.StepConversion, OK: true})
	res.Data = data
	res.Ext = ext
	return res, nil
}

func (p *Processor) removeBackground(ctx context.Context, raw []byte) ([]byte, error) {
	if p.remover == nil {
		return nil, fmt.Errorf("no background removal provider configured")
	}
	return p.remover.Remove(ctx, raw)
}

func enhance(img image.Image, s model.EnhancementSettings) image.Image {
	out := img
	if s.Sharpening > 0 {
		// Map the 0..10 operator scale onto a usable gaussian sigma.
		out = imaging.Sharpen(out, float64(s.Sharpening)*0.3)
	}
	if s.Saturation != 1 {
		// imaging expects a -100..100 percentage; settings carry a 0..2
		// multiplier.
		out = imaging.AdjustSaturation(out, (s.Saturation-1)*100)
	}
	return out
}

// trimTransparent crops away fully transparent margins.
func trimTransparent(img image.Image) (image.Image, error) {
	nrgba := imaging.Clone(img)
	b := nrgba.Bounds()

	minX, minY := b.Max.X, b.Max.Y
	maxX, maxY := b.Min.X-1, b.Min.Y-1
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if nrgba.NRGBAAt(x, y).A != 0 {
				if x < minX {
					minX = x
				}
				if y < minY {
					minY = y
				}
				if x > maxX {
					maxX = x
				}
				if y > maxY {
					maxY = y
				}
			}
		}
	}
	if maxX < minX || maxY < minY {
		return nil, fmt.Errorf("image is fully transparent")
	}
	return imaging.Crop(nrgba, image.Rect(minX, minY, maxX+1, maxY+1)), nil
}

func encode(img image.Image, s model.ConversionSettings) ([]byte, string, error) {
	format := s.Format
	if format == "" {
		format = model.FormatPNG
	}
	quality := s.Quality
	if quality <= 0 {
		quality = 90
	}

	var buf bytes.Buffer
	switch format {
	case model.FormatPNG:
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "png", nil
	case model.FormatJPG:
		// JPG has no alpha channel; flatten onto the configured background.
		flat := flatten(img, parseHexColor(s.Background))
		if err := imaging.Encode(&buf, flat, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "jpg", nil
	case model.FormatWEBP:
		if err := webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)}); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "webp", nil
	default:
		return nil, "", fmt.Errorf("unsupported output format %q", format)
	}
}

func flatten(img image.Image, bg color.Color) image.Image {
	b := img.Bounds()
	out := image.NewNRGBA(b)
	draw.Draw(out, b, image.NewUniform(bg), image.Point{}, draw.Src)
	draw.Draw(out, b, img, b.Min, draw.Over)
	return out
}

// parseHexColor understands "#rgb" and "#rrggbb"; anything else is white.
func parseHexColor(s string) color.Color {
	hexVal := func(c byte) (uint8, bool) {
		switch {
		case c >= '0' && c <= '9':
			return c - '0', true
		case c >= 'a' && c <= 'f':
			return c - 'a' + 10, true
		case c >= 'A' && c <= 'F':
			return c - 'A' + 10, true
		}
		return 0, false
	}

	if len(s) > 0 && s[0] == '#' {
		s = s[1:]
	}
	switch len(s) {
	case 3:
		var rgb [3]uint8
		for i := 0; i < 3; i++ {
			v, ok := hexVal(s[i])
			if !ok {
				return color.White
			}
			rgb[i] = v*16 + v
		}
		return color.NRGBA{R: rgb[0], G: rgb[1], B: rgb[2], A: 255}
	case 6:
		var rgb [3]uint8
		for i := 0; i < 3; i++ {
			hi, ok1 := hexVal(s[i*2])
			lo, ok2 := hexVal(s[i*2+1])
			if !ok1 || !ok2 {
				return color.White
			}
			rgb[i] = hi*16 + lo
		}
		return color.NRGBA{R: rgb[0], G: rgb[1], B: rgb[2], A: 255}
	}
	return color.White
}
