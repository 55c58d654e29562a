// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package events holds the policy event throttle ledger.
package events

import (
	"sync"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/DataDog/secagent/pkg/proto/payload"
)

// defaultLimiterTableSize bounds the per-policy limiter table.
const defaultLimiterTableSize = 512

// Ledger decides whether a policy event is forwarded or merely counted.
// One token bucket per policy id; suppressed matches are accumulated and
// periodically flushed as a throttled-events summary.
type Ledger struct {
	mu sync.Mutex

	limit    rate.Limit
	burst    int
	limiters *lru.Cache[uint64, *rate.Limiter]

	suppressed      map[uint64]uint64
	totalSuppressed uint64

	clk clock.Clock
}

// NewLedger builds a ledger allowing eventsPerSec sustained policy events
// with the given burst, per policy.
func NewLedger(eventsPerSec float64, burst int, clk clock.Clock) (*Ledger, error) {
	limiters, err := lru.New[uint64, *rate.Limiter](defaultLimiterTableSize)
	if err != nil {
		return nil, err
	}

	return &Ledger{
		limit:      rate.Limit(eventsPerSec),
		burst:      burst,
		limiters:   limiters,
		suppressed: make(map[uint64]uint64),
		clk:        clk,
	}, nil
}

// Accept offers a policy event to the ledger. True means the event is
// forwarded; false means it is suppressed and only counted. An event must
// be offered at most once.
func (l *Ledger) Accept(policyID uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters.Get(policyID)
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters.Add(policyID, limiter)
	}

	if limiter.AllowN(l.clk.Now(), 1) {
		return true
	}

	l.suppressed[policyID]++
	l.totalSuppressed++
	return false
}

// FlushReport returns the throttled-events summary accumulated since the
// last flush and resets the counters. Returns nil when nothing was
// suppressed.
func (l *Ledger) FlushReport(tsNs uint64) *payload.ThrottledPolicyEvents {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.totalSuppressed == 0 {
		return nil
	}

	report := &payload.ThrottledPolicyEvents{
		TotalCount: l.totalSuppressed,
	}
	for policyID, count := range l.suppressed {
		report.Events = append(report.Events, &payload.ThrottledPolicyEvent{
			TimestampNs: tsNs,
			PolicyId:    policyID,
			Count:       count,
		})
	}

	l.suppressed = make(map[uint64]uint64)
	l.totalSuppressed = 0

	return report
}

// SuppressedCount returns the number of suppressed events since the last
// flush.
func (l *Ledger) SuppressedCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalSuppressed
}
