package retry

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/config"
)

// Policy is a bounded exponential backoff for collaborator calls.
// Only errors classified as unavailable or timeout are retried.
type Policy struct {
	Retries    int
	BackoffMin time.Duration
	BackoffMax time.Duration
	// OnRetry observes each failed attempt before the next one starts.
	OnRetry func(op string, attempt uint, err error)
}

// FromConfig builds a Policy from cfg.
func FromConfig(cfg config.RetryConfig) Policy {
	p := Policy{
		Retries:    cfg.Retries,
		BackoffMin: time.Duration(cfg.BackoffMinMs) * time.Millisecond,
		BackoffMax: time.Duration(cfg.BackoffMaxMs) * time.Millisecond,
	}
	if p.BackoffMin <= 0 {
		p.BackoffMin = 100 * time.Millisecond
	}
	if p.BackoffMax < p.BackoffMin {
		p.BackoffMax = p.BackoffMin
	}
	return p
}

// Do runs fn until it succeeds, returns a non-retryable error, the retry
// budget is spent or ctx is done. The last error is returned classified.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if p.Retries < 0 {
		p.Retries = 0
	}
	err := retry.Do(
		func() error {
			return errs.Classify(op, fn(ctx))
		},
		retry.Context(ctx),
		retry.Attempts(uint(p.Retries)+1),
		retry.Delay(p.BackoffMin),
		retry.MaxDelay(p.BackoffMax),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errs.KindOf(err).Retryable()
		}),
		retry.OnRetry(func(n uint, err error) {
			logger.Warnf("retry: %s attempt %d failed: %v", op, n+1, err)
			if p.OnRetry != nil {
				p.OnRetry(op, n, err)
			}
		}),
	)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errs.KindOf(err) != errs.KindInvalidInput {
		return errs.Classify(op, ctxErr)
	}
	return errs.Classify(op, err)
}
