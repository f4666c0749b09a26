// Package ratelimit enforces per-role request budgets ahead of routing.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/ragorch/metrics"
)

// Limiter holds one ulule limiter per configured role. Roles without a rate
// are unlimited.
type Limiter struct {
	byRole map[string]*limiter.Limiter
	cfg    *config.Config
}

// New builds a Limiter. rc is required when cfg.RateLimit.Store is "redis".
func New(cfg *config.Config, rc redis.UniversalClient) (*Limiter, error) {
	l := &Limiter{byRole: make(map[string]*limiter.Limiter), cfg: cfg}
	if !cfg.RateLimit.Enable {
		return l, nil
	}
	store, err := newStore(cfg.RateLimit, rc)
	if err != nil {
		return nil, err
	}
	for name, role := range cfg.Roles {
		if role.Rate == "" {
			continue
		}
		rate, err := limiter.NewRateFromFormatted(role.Rate)
		if err != nil {
			return nil, fmt.Errorf("roles.%s.rate: %w", name, err)
		}
		l.byRole[name] = limiter.New(store, rate)
	}
	return l, nil
}

func newStore(cfg config.RateLimitConfig, rc redis.UniversalClient) (limiter.Store, error) {
	opts := limiter.StoreOptions{Prefix: cfg.Prefix, CleanUpInterval: limiter.DefaultCleanUpInterval}
	switch cfg.Store {
	case "", "memory":
		return memory.NewStoreWithOptions(opts), nil
	case "redis":
		if rc == nil {
			return nil, fmt.Errorf("rate_limit.store redis requires redis.address")
		}
		s, err := sredis.NewStoreWithOptions(rc, opts)
		if err != nil {
			return nil, fmt.Errorf("init rate limit store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported rate limit store %q", cfg.Store)
	}
}

// Allow consumes one unit of role's budget. Unknown roles share the default
// role's budget. A failing store lets the request through.
func (l *Limiter) Allow(ctx context.Context, role string) error {
	name, _ := l.cfg.Role(role)
	lim, ok := l.byRole[name]
	if !ok {
		return nil
	}
	lc, err := lim.Get(ctx, name)
	if err != nil {
		logger.Warnf("ratelimit: store unavailable for role %s, allowing: %v", name, err)
		return nil
	}
	if lc.Reached {
		metrics.IncRateLimited(name)
		retryIn := time.Until(time.Unix(lc.Reset, 0)).Round(time.Second)
		return errs.E(errs.KindRateLimited, "ratelimit", fmt.Errorf("role %s exceeded %d requests, retry in %s", name, lc.Limit, retryIn))
	}
	return nil
}
