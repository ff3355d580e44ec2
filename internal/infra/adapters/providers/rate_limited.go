package providers

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"ai-image-pipeline/internal/domain/ports/adapter"
	red "ai-image-pipeline/internal/infra/redis"
)

var _ adapter.ImageGenerator = (*ratedGenerator)(nil)

// ratedGenerator wraps an ImageGenerator with a shared fixed-window rate
// limit and bounded backoff retries for transient failures, so orchestration
// code only ever sees a call that either worked or is genuinely dead.
type ratedGenerator struct {
	inner       adapter.ImageGenerator
	limiter     *red.RateLimiter
	limit       int
	window      time.Duration
	maxAttempts int
	log         *zerolog.Logger
}

func NewRatedGenerator(inner adapter.ImageGenerator, limiter *red.RateLimiter, limit int, window time.Duration, maxAttempts int, logger *zerolog.Logger) adapter.ImageGenerator {
	if limiter == nil || limit <= 0 {
		return inner
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	l := logger.With().Str("component", "RatedGenerator").Str("provider", inner.Name()).Logger()
	return &ratedGenerator{
		inner:       inner,
		limiter:     limiter,
		limit:       limit,
		window:      window,
		maxAttempts: maxAttempts,
		log:         &l,
	}
}

func (g *ratedGenerator) Name() string { return g.inner.Name() }

func (g *ratedGenerator) Generate(ctx context.Context, req adapter.GenerateRequest) ([]adapter.GeneratedAsset, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}

	backoff := time.Second
	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		assets, err := g.inner.Generate(ctx, req)
		if err == nil {
			return assets, nil
		}
		lastErr = err
		if !adapter.Retryable(err) {
			return nil, err
		}
		g.log.Warn().Err(err).Int("attempt", attempt).Msg("transient generation failure, backing off")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

// wait blocks until the fixed window admits another call or the context ends.
func (g *ratedGenerator) wait(ctx context.Context) error {
	key := red.ProviderKey(g.inner.Name(), "generate")
	for {
		ok, err := g.limiter.Allow(ctx, key, g.limit, g.window)
		if err != nil {
			// Redis being down must not stall the pipeline.
			g.log.Warn().Err(err).Msg("rate limiter unavailable, proceeding")
			return nil
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}
