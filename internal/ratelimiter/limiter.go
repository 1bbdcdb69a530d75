// Package ratelimiter enforces a steady-state send rate per delivery
// channel, grounded on the teacher's ChannelLimiters (same token-bucket
// shape), generalized from the teacher's three channels to all five this
// module recognizes (store.ChannelOrder).
package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/notifyhub/orchestrator/internal/store"
)

// ChannelLimiters holds one token bucket limiter per channel type.
// Burst is set equal to the rate so no extra burst capacity is allowed
// beyond the configured per-second maximum.
type ChannelLimiters struct {
	limiters map[store.Channel]*rate.Limiter
}

// New creates a ChannelLimiters with ratePerSec tokens per second per channel.
func New(ratePerSec int) *ChannelLimiters {
	r := rate.Limit(ratePerSec)
	burst := ratePerSec

	limiters := make(map[store.Channel]*rate.Limiter, len(store.ChannelOrder()))
	for _, c := range store.ChannelOrder() {
		limiters[c] = rate.NewLimiter(r, burst)
	}
	return &ChannelLimiters{limiters: limiters}
}

// Wait blocks until the channel's limiter grants a token. Called by the
// Dynamic Workflow Factory's per-channel dispatch loop immediately before
// rendering each channel. Returns a non-nil error only if ctx is cancelled
// while waiting.
func (cl *ChannelLimiters) Wait(ctx context.Context, ch store.Channel) error {
	l, ok := cl.limiters[ch]
	if !ok {
		return nil
	}
	return l.Wait(ctx)
}
