package adapter

import (
	"context"
	"errors"
	"fmt"

	"ai-image-pipeline/internal/domain/model"
)

// ProviderErrorKind is the uniform failure taxonomy every external provider
// call is normalized into, so orchestration code never special-cases a
// provider.
type ProviderErrorKind string

const (
	// ErrKindAuth: missing or invalid credential. Fatal, never retryable.
	ErrKindAuth ProviderErrorKind = "auth"
	// ErrKindRateLimited: provider throttled us. Retryable with backoff.
	ErrKindRateLimited ProviderErrorKind = "rate_limited"
	// ErrKindRequest: the provider rejected this request (4xx). Fatal for
	// this request; the caller may adjust parameters and resubmit.
	ErrKindRequest ProviderErrorKind = "request"
	// ErrKindTransport: network/5xx. Retryable.
	ErrKindTransport ProviderErrorKind = "transport"
	// ErrKindTimeout: the bounded per-call deadline expired. Retryable.
	ErrKindTimeout ProviderErrorKind = "timeout"
)

type ProviderError struct {
	Kind     ProviderErrorKind
	Provider string
	Detail   string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Detail, e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case ErrKindRateLimited, ErrKindTransport, ErrKindTimeout:
		return true
	}
	return false
}

func NewProviderError(kind ProviderErrorKind, provider, detail string, err error) *ProviderError {
	return &ProviderError{Kind: kind, Provider: provider, Detail: detail, Err: err}
}

// Retryable reports whether err is a provider error worth another attempt.
func Retryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// GenerateRequest is the normalized request passed to any image generation
// provider.
type GenerateRequest struct {
	Prompt string
	Count  int // number of variations requested in this one call
	Model  string
	Width  int
	Height int
	Seed   *int64
}

// GeneratedAsset is one delivered variation. Providers deliver either a URL
// to download from or inline bytes, never both.
type GeneratedAsset struct {
	URL       string // where the raw image can be downloaded from
	Data      []byte // inline image bytes for providers that return them directly
	MappingID string // provider-derived stable identifier
	Seed      *int64
}

// ImageGenerator is the port for the generation provider.
type ImageGenerator interface {
	Name() string
	Generate(ctx context.Context, req GenerateRequest) ([]GeneratedAsset, error)
}

// Verdict is a QC judgment. A negative verdict is not an error: transport
// failures surface as ProviderError, rejections come back as
// Verdict{Approved: false}.
type Verdict struct {
	Approved bool
	Reason   string
}

type QCContext struct {
	Prompt   string
	Guidance string
}

type QualityChecker interface {
	Name() string
	Check(ctx context.Context, imagePath string, qc QCContext) (Verdict, error)
}

type MetadataContext struct {
	Prompt   string
	Guidance string
}

type MetadataGenerator interface {
	Name() string
	Generate(ctx context.Context, imagePath string, mc MetadataContext) (model.ImageMetadata, error)
}

// BackgroundRemover strips the background from a raw image. Input and output
// are encoded image bytes; output always retains transparency (PNG).
type BackgroundRemover interface {
	Name() string
	Remove(ctx context.Context, img []byte) ([]byte, error)
}
