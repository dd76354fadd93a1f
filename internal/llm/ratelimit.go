package llm

import (
	"context"
	"iter"
	"time"

	"golang.org/x/time/rate"

	"specnerd/internal/logging"
	"specnerd/internal/types"
)

// RateLimited spaces out requests to a model. Waiting honours the caller's
// context, so a cancelled specialist never sits in the queue.
type RateLimited struct {
	inner   types.LanguageModel
	limiter *rate.Limiter
}

// NewRateLimited allows perMinute requests per minute with the given burst.
// A non-positive perMinute disables limiting.
func NewRateLimited(inner types.LanguageModel, perMinute, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	return &RateLimited{inner: inner, limiter: rate.NewLimiter(limit, burst)}
}

func (r *RateLimited) SendRequest(ctx context.Context, messages []types.Message, opts types.RequestOptions) (iter.Seq2[string, error], error) {
	start := time.Now()
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if waited := time.Since(start); waited > 10*time.Millisecond {
		logging.APIDebug("Rate limited request waited %v", waited.Round(time.Millisecond))
	}
	return r.inner.SendRequest(ctx, messages, opts)
}
