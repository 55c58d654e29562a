// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package eventmonitor drains the kernel event source into the capture ring
// and the policy engine, and drives the periodic control work.
package eventmonitor

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/DataDog/secagent/pkg/compliance"
	"github.com/DataDog/secagent/pkg/memdump"
	"github.com/DataDog/secagent/pkg/security/manager"
	"github.com/DataDog/secagent/pkg/security/metrics"
	"github.com/DataDog/secagent/pkg/security/model"
	"github.com/DataDog/secagent/pkg/util/log"
)

var (
	// ErrTimeout is returned by a source when no event is available yet.
	ErrTimeout = errors.New("event source timeout")
	// ErrMalformedEvent is returned by a source for an event it could not
	// parse; the event is dropped and counted, the source keeps going.
	ErrMalformedEvent = errors.New("malformed event")
)

// EventSource produces kernel events. Any error other than ErrTimeout,
// ErrMalformedEvent and io.EOF is fatal to the source.
type EventSource interface {
	Next() (*model.Event, error)
}

const (
	tickInterval   = time.Second
	rotateInterval = time.Second
)

// EventMonitor owns the producer goroutine (source → dumper → engine) and
// the 1 Hz control goroutine (deferred actions, batch flushes, compliance
// tick, ring rotation, stats).
type EventMonitor struct {
	source       EventSource
	dumper       *memdump.Dumper
	manager      *manager.Manager
	compliance   *compliance.Client
	statsdClient statsd.ClientInterface
	clk          clock.Clock

	lastEventNs atomic.Uint64
	processed   atomic.Uint64

	ctx       context.Context
	cancelFnc context.CancelFunc
	wg        sync.WaitGroup
}

// NewEventMonitor wires the producer and control loops. The compliance
// client may be nil.
func NewEventMonitor(source EventSource, dumper *memdump.Dumper, mgr *manager.Manager, complianceClient *compliance.Client, statsdClient statsd.ClientInterface, clk clock.Clock) *EventMonitor {
	ctx, cancelFnc := context.WithCancel(context.Background())
	return &EventMonitor{
		source:       source,
		dumper:       dumper,
		manager:      mgr,
		compliance:   complianceClient,
		statsdClient: statsdClient,
		clk:          clk,
		ctx:          ctx,
		cancelFnc:    cancelFnc,
	}
}

// Start launches the workers.
func (m *EventMonitor) Start() {
	m.wg.Add(2)
	go m.producer()
	go m.control()
}

// producer drains the source. This goroutine never blocks on the network.
func (m *EventMonitor) producer() {
	defer m.wg.Done()

	for {
		if m.ctx.Err() != nil {
			return
		}

		ev, err := m.source.Next()
		switch {
		case err == nil:
		case errors.Is(err, ErrTimeout):
			continue
		case errors.Is(err, ErrMalformedEvent):
			m.manager.NoteDroppedEvent()
			if m.statsdClient != nil {
				_ = m.statsdClient.Count(metrics.MetricEventsDropped, 1, nil, 1.0)
			}
			continue
		case errors.Is(err, io.EOF):
			log.Infof("event source closed")
			return
		default:
			log.Criticalf("fatal event source error: %v", err)
			return
		}

		m.lastEventNs.Store(ev.TimestampNs)
		m.processed.Add(1)

		m.dumper.ProcessEvent(ev)
		m.manager.ProcessEvent(ev)
	}
}

// control runs the periodic work at 1 Hz.
func (m *EventMonitor) control() {
	defer m.wg.Done()

	ticker := m.clk.Ticker(tickInterval)
	defer ticker.Stop()

	var lastRotation time.Time

	for {
		select {
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			ts := m.lastEventNs.Load()
			if ts == 0 {
				ts = uint64(now.UnixNano())
			}

			m.manager.Tick(ts)
			if m.compliance != nil {
				m.compliance.Tick(ts)
			}

			if now.Sub(lastRotation) >= rotateInterval {
				m.dumper.SwitchStates(ts)
				lastRotation = now
			}

			m.sendStats()
		}
	}
}

func (m *EventMonitor) sendStats() {
	if m.statsdClient == nil {
		return
	}
	_ = m.statsdClient.Count(metrics.MetricEventsProcessed, int64(m.processed.Swap(0)), nil, 1.0)
	_ = m.statsdClient.Gauge(metrics.MetricMemdumpMissedEvents, float64(m.dumper.MissedEvents()), nil, 1.0)
}

// Close stops the workers and waits for them.
func (m *EventMonitor) Close() {
	m.cancelFnc()
	m.wg.Wait()
}
