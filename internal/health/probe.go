// Package health probes the dependencies the shopper needs: the storefront
// API and, when configured, the Redis instance behind sessions and cart locks.
package health

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/noah-isme/toko-cart/internal/api"
	"github.com/noah-isme/toko-cart/internal/common"
)

// StatusOK and StatusDisabled are the non-error probe outcomes.
const (
	StatusOK       = "ok"
	StatusDisabled = "disabled"
)

// Doer is the API transport being probed.
type Doer interface {
	Do(ctx context.Context, req api.Request, out any) error
}

// Pinger is satisfied by *redis.Client via a small adapter.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Probe checks dependency readiness.
type Probe struct {
	API          Doer
	Redis        Pinger
	APITimeout   time.Duration
	RedisTimeout time.Duration
}

// Report is the outcome of one probe run.
type Report struct {
	API   string `json:"api"`
	Redis string `json:"redis"`
}

// OK reports whether every enabled dependency answered.
func (r Report) OK() bool {
	return r.API == StatusOK && (r.Redis == StatusOK || r.Redis == StatusDisabled)
}

// Check probes every dependency. The API counts as reachable when it answers
// at all; only transport failures, 5xx and an open breaker count as down.
func (p Probe) Check(ctx context.Context) Report {
	report := Report{API: StatusOK, Redis: StatusDisabled}

	if p.API == nil {
		report.API = "not configured"
	} else {
		apiCtx, cancel := context.WithTimeout(ctx, p.apiTimeout())
		err := p.API.Do(apiCtx, api.Request{Method: http.MethodGet, Route: "/", Path: "/"}, nil)
		cancel()
		if err != nil && (errors.Is(err, common.ErrTransient) || !common.IsAppError(err)) {
			report.API = err.Error()
		}
	}

	if p.Redis != nil {
		redisCtx, cancel := context.WithTimeout(ctx, p.redisTimeout())
		if err := p.Redis.Ping(redisCtx); err != nil {
			report.Redis = err.Error()
		} else {
			report.Redis = StatusOK
		}
		cancel()
	}
	return report
}

func (p Probe) apiTimeout() time.Duration {
	if p.APITimeout <= 0 {
		return 2 * time.Second
	}
	return p.APITimeout
}

func (p Probe) redisTimeout() time.Duration {
	if p.RedisTimeout <= 0 {
		return 300 * time.Millisecond
	}
	return p.RedisTimeout
}
