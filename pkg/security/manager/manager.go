// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package manager implements the security policy engine: per-event policy
// evaluation, reactive actions and the deferred, throttled emission of
// policy events.
package manager

import (
	"sync"
	"sync/atomic"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/benbjohnson/clock"

	"github.com/DataDog/secagent/pkg/config"
	"github.com/DataDog/secagent/pkg/containerctl"
	"github.com/DataDog/secagent/pkg/memdump"
	"github.com/DataDog/secagent/pkg/proto/payload"
	"github.com/DataDog/secagent/pkg/security/events"
	"github.com/DataDog/secagent/pkg/security/metrics"
	"github.com/DataDog/secagent/pkg/security/model"
	"github.com/DataDog/secagent/pkg/security/policy"
	"github.com/DataDog/secagent/pkg/serializer"
	"github.com/DataDog/secagent/pkg/util/log"
)

// Opts groups the collaborators of the Manager.
type Opts struct {
	RunRoot      string
	Store        *policy.Store
	RuleEngine   policy.RuleEngine
	InfraState   policy.InfraState
	Dumper       *memdump.Dumper
	ContainerCtl containerctl.Client
	Handler      *serializer.Handler
	StatsdClient statsd.ClientInterface
	Clock        clock.Clock
}

// actionsState tracks the outstanding asynchronous actions of one matched
// event until every action settles.
type actionsState struct {
	event       *payload.PolicyEvent
	outstanding int
	sendNow     bool
	createdNs   uint64
}

// Manager is the policy engine. ProcessEvent runs on the producer
// goroutine; Tick runs on the control goroutine. Shared state is guarded by
// mu and mutated only from those two.
type Manager struct {
	cfg     config.SecurityConfig
	hostID  string
	runRoot string

	store        *policy.Store
	engine       policy.RuleEngine
	infra        policy.InfraState
	dumper       *memdump.Dumper
	coclient     containerctl.Client
	handler      *serializer.Handler
	ledger       *events.Ledger
	statsdClient statsd.ClientInterface
	clk          clock.Clock

	mu sync.Mutex
	// actionStates is keyed by a monotonic handle; callbacks carry the
	// handle so completions for a retired state are ignored safely.
	nextHandle   uint64
	actionStates map[uint64]*actionsState

	acceptedEvents []*payload.PolicyEvent
	captures       map[string]*capture
	noScopeWarned  map[uint64]bool

	droppedEvents atomic.Uint64

	policyDisabled atomic.Uint64
	scopeMiss      atomic.Uint64
	ruleMiss       atomic.Uint64
	matched        atomic.Uint64
}

// NewManager builds the policy engine.
func NewManager(cfg config.SecurityConfig, hostID string, opts Opts) (*Manager, error) {
	ledger, err := events.NewLedger(cfg.ThrottlingRate, cfg.ThrottlingBurst, opts.Clock)
	if err != nil {
		return nil, err
	}

	return &Manager{
		cfg:           cfg,
		hostID:        hostID,
		runRoot:       opts.RunRoot,
		store:         opts.Store,
		engine:        opts.RuleEngine,
		infra:         opts.InfraState,
		dumper:        opts.Dumper,
		coclient:      opts.ContainerCtl,
		handler:       opts.Handler,
		ledger:        ledger,
		statsdClient:  opts.StatsdClient,
		clk:           opts.Clock,
		actionStates:  make(map[uint64]*actionsState),
		captures:      make(map[string]*capture),
		noScopeWarned: make(map[uint64]bool),
	}, nil
}

// NoteDroppedEvent records one event dropped at the source; the running
// count is snapshotted into every policy event.
func (m *Manager) NoteDroppedEvent() {
	m.droppedEvents.Add(1)
}

func (m *Manager) count(metric string, counter *atomic.Uint64, tags []string) {
	counter.Add(1)
	if m.statsdClient != nil {
		_ = m.statsdClient.Count(metric, 1, tags, 1.0)
	}
}

// PolicyDisabledCount returns the number of events skipped on a disabled
// policy.
func (m *Manager) PolicyDisabledCount() uint64 { return m.policyDisabled.Load() }

// ScopeMissCount returns the number of scope misses.
func (m *Manager) ScopeMissCount() uint64 { return m.scopeMiss.Load() }

// RuleMissCount returns the number of rule misses.
func (m *Manager) RuleMissCount() uint64 { return m.ruleMiss.Load() }

// MatchedCount returns the number of policy matches.
func (m *Manager) MatchedCount() uint64 { return m.matched.Load() }

func (m *Manager) matchScope(ev *model.Event, p *policy.Policy) bool {
	if !p.HostScope && !p.ContainerScope {
		// This should never occur. Err on the side of letting the policy
		// run, once per policy with a warning.
		m.mu.Lock()
		warned := m.noScopeWarned[p.ID]
		m.noScopeWarned[p.ID] = true
		m.mu.Unlock()
		if !warned {
			log.Warnf("policy `%s` has neither host nor container scope, allowing anyway", p.Name)
		}
		return true
	}

	return m.infra.MatchScope(ev.ContainerID, m.hostID, p.HostScope, p.ContainerScope, p.ScopePredicates)
}

func (m *Manager) buildPolicyEvent(ev *model.Event, p *policy.Policy, match *policy.RuleMatch) *payload.PolicyEvent {
	return &payload.PolicyEvent{
		TimestampNs: ev.TimestampNs,
		PolicyId:    p.ID,
		ContainerId: ev.ContainerID,
		RuleDetails: &payload.RuleDetails{
			Rule:   match.Rule,
			Output: formatOutput(match.FormatTemplate, ev),
		},
		EventsDropped: m.droppedEvents.Load(),
	}
}

// ProcessEvent evaluates the event against the candidate policies in
// configuration order. The first match performs its actions and
// short-circuits: later policies never see the event. Returns true on a
// match.
func (m *Manager) ProcessEvent(ev *model.Event) bool {
	// Completions and deferred emission are also serviced at the start of
	// each evaluation so a quiet control loop cannot delay them.
	m.coclient.ProcessCompletions()
	m.CheckOutstandingActions(ev.TimestampNs)

	for _, p := range m.store.PoliciesForEventType(ev.Type) {
		if !p.Enabled {
			m.count(metrics.MetricPolicyDisabled, &m.policyDisabled, []string{"policy:" + p.Name})
			continue
		}

		if !m.matchScope(ev, p) {
			m.count(metrics.MetricScopeMiss, &m.scopeMiss, []string{"policy:" + p.Name})
			continue
		}

		match, err := m.engine.ProcessEvent(ev, p.RulesetID)
		if err != nil {
			// Rule engine errors are contained: the event is treated as a
			// miss for this policy.
			log.Errorf("error processing event against rule engine: %v", err)
			m.count(metrics.MetricRuleMiss, &m.ruleMiss, []string{"policy:" + p.Name})
			continue
		}
		if match == nil {
			m.count(metrics.MetricRuleMiss, &m.ruleMiss, []string{"policy:" + p.Name})
			continue
		}

		log.Debugf("event matched policy `%s`, rule `%s`", p.Name, match.Rule)
		event := m.buildPolicyEvent(ev, p, match)
		m.performActions(ev, p, event)
		m.count(metrics.MetricRuleMatch, &m.matched, []string{"policy:" + p.Name, "rule:" + match.Rule})
		return true
	}

	return false
}

// CheckOutstandingActions emits the policy events whose actions have all
// settled: each is offered to the throttle ledger exactly once, and a
// successful capture is drained or stopped according to the verdict.
func (m *Manager) CheckOutstandingActions(tsNs uint64) {
	m.mu.Lock()
	var ready []*actionsState
	for handle, state := range m.actionStates {
		if state.outstanding == 0 {
			ready = append(ready, state)
			delete(m.actionStates, handle)
		}
	}
	m.mu.Unlock()

	for _, state := range ready {
		accepted := m.acceptPolicyEvent(tsNs, state.event, state.sendNow)

		if result := captureResult(state.event); result != nil && result.Successful {
			if result.Token == "" {
				log.Errorf("no capture token on a policy event with a capture action")
			} else if accepted {
				// Capture data was withheld while the event awaited the
				// ledger verdict; release it now.
				m.startSendingCapture(result.Token)
			} else {
				// The event was throttled: nothing leaves the host.
				m.stopCapture(result.Token)
			}
		}
	}
}

func captureResult(event *payload.PolicyEvent) *payload.ActionResult {
	for _, result := range event.ActionResults {
		if result.Type == payload.ActionCapture {
			return result
		}
	}
	return nil
}

// acceptPolicyEvent offers the event to the throttle ledger. Accepted
// events are batched, or flushed immediately when sendNow is set.
func (m *Manager) acceptPolicyEvent(tsNs uint64, event *payload.PolicyEvent, sendNow bool) bool {
	if !m.ledger.Accept(event.PolicyId) {
		if m.statsdClient != nil {
			_ = m.statsdClient.Count(metrics.MetricPolicyEventsThrottled, 1, nil, 1.0)
		}
		return false
	}

	if m.statsdClient != nil {
		_ = m.statsdClient.Count(metrics.MetricPolicyEventsAccepted, 1, nil, 1.0)
	}

	if sendNow {
		m.handler.Transmit(tsNs, serializer.MessageTypePolicyEvents, &payload.PolicyEvents{
			Events: []*payload.PolicyEvent{event},
		})
		return true
	}

	m.mu.Lock()
	m.acceptedEvents = append(m.acceptedEvents, event)
	m.mu.Unlock()
	return true
}

func (m *Manager) flushBatches(tsNs uint64) {
	m.mu.Lock()
	batch := m.acceptedEvents
	m.acceptedEvents = nil
	m.mu.Unlock()

	if len(batch) > 0 {
		m.handler.Transmit(tsNs, serializer.MessageTypePolicyEvents, &payload.PolicyEvents{Events: batch})
	}

	if report := m.ledger.FlushReport(tsNs); report != nil {
		m.handler.Transmit(tsNs, serializer.MessageTypeThrottledPolicyEvents, report)
	}
}

// Tick services completions, deferred emission, batch flushes and capture
// drains. Called at 1 Hz from the control goroutine.
func (m *Manager) Tick(tsNs uint64) {
	m.coclient.ProcessCompletions()
	m.CheckOutstandingActions(tsNs)
	m.flushBatches(tsNs)
	m.checkCaptures(tsNs)
}

// OutstandingActions returns the number of unsettled action states.
func (m *Manager) OutstandingActions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actionStates)
}

// Close retires the engine: pending action states are dropped, so stale
// callbacks become no-ops, and running captures are stopped.
func (m *Manager) Close() {
	m.mu.Lock()
	m.actionStates = make(map[uint64]*actionsState)
	captures := m.captures
	m.captures = make(map[string]*capture)
	m.mu.Unlock()

	for token, c := range captures {
		c.job.Stop()
		m.removeCaptureFile(c)
		log.Debugf("stopped capture %s on shutdown", token)
	}
}
