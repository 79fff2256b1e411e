// Package ratelimit implements fixed-window request limits keyed by string.
package ratelimit

import (
	"context"
	"time"
)

// Limiter reports whether one more request under key fits in the current window.
// Keys are independent; a window starts with the first request after the previous one expired.
type Limiter interface {
	Allow(ctx context.Context, key string, max int, window time.Duration) bool
}

// Rule is a named limit. The key of a request is "<name>:<subject>".
type Rule struct {
	Name   string
	Max    int
	Window time.Duration
}

var (
	TaskClaim   = Rule{Name: "task-claim", Max: 20, Window: time.Minute}
	Register    = Rule{Name: "register", Max: 5, Window: time.Hour}
	Wallet      = Rule{Name: "wallet", Max: 60, Window: time.Minute}
	MyTasks     = Rule{Name: "my-tasks", Max: 60, Window: time.Minute}
	MiningClaim = Rule{Name: "mining-claim", Max: 10, Window: time.Minute}
	Mining      = Rule{Name: "mining", Max: 30, Window: time.Minute}
	Me          = Rule{Name: "me", Max: 60, Window: time.Minute}
	Withdraw    = Rule{Name: "withdraw", Max: 5, Window: time.Hour}
)

func (r Rule) Key(subject string) string {
	return r.Name + ":" + subject
}

func (r Rule) Allow(ctx context.Context, l Limiter, subject string) bool {
	return l.Allow(ctx, r.Key(subject), r.Max, r.Window)
}
