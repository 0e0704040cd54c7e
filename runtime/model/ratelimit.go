package model

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// AdaptiveRateLimiter applies an AIMD-style token bucket in front of a
// Client. It estimates the token cost of each request, blocks the caller
// until budget is available, and backs off its tokens-per-minute budget
// whenever the wrapped client reports ErrRateLimited, recovering a little
// on every successful call. Spec §5 treats vendor-side 429 handling plus
// the retry/fallback chain as the baseline; this limiter is an optional
// layer a caller can enable to stay under a vendor quota proactively,
// never a requirement for Provider to function.
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM float64
	minTPM     float64
	maxTPM     float64

	recoveryRate float64
}

// NewAdaptiveRateLimiter constructs a process-local limiter with an initial
// tokens-per-minute budget and an upper bound. maxTPM is clamped up to
// initialTPM if given smaller.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Middleware wraps a Client so every call passes through the limiter first.
func (l *AdaptiveRateLimiter) Middleware() func(Client) Client {
	return func(next Client) Client {
		if next == nil {
			return nil
		}
		return &limitedClient{next: next, limiter: l}
	}
}

type limitedClient struct {
	next    Client
	limiter *AdaptiveRateLimiter
}

func (c *limitedClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	resp, err := c.next.Complete(ctx, req)
	c.limiter.observe(err)
	return resp, err
}

func (c *limitedClient) Stream(ctx context.Context, req *Request) (Streamer, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	stream, err := c.next.Stream(ctx, req)
	c.limiter.observe(err)
	return stream, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req *Request) error {
	return l.limiter.WaitN(ctx, estimateTokens(req))
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if isRateLimited(err) {
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	l.setTPM(newTPM)
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	l.setTPM(newTPM)
}

// setTPM must be called with l.mu held.
func (l *AdaptiveRateLimiter) setTPM(tpm float64) {
	if tpm == l.currentTPM {
		return
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

// estimateTokens is a cheap heuristic: ~1 token per 3 characters of message
// content, plus a fixed buffer for system-prompt and provider framing.
func estimateTokens(req *Request) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	if chars <= 0 {
		return 500
	}
	tokens := chars / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}

func isRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
