// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package manager

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/secagent/pkg/config"
	"github.com/DataDog/secagent/pkg/containerctl"
	"github.com/DataDog/secagent/pkg/memdump"
	"github.com/DataDog/secagent/pkg/proto/payload"
	"github.com/DataDog/secagent/pkg/security/model"
	"github.com/DataDog/secagent/pkg/security/policy"
	"github.com/DataDog/secagent/pkg/serializer"
)

// fakeEngine matches by ruleset according to the configured rule names and
// counts evaluations per ruleset.
type fakeEngine struct {
	mu       sync.Mutex
	ids      map[string]int
	names    []string
	matches  map[string]*policy.RuleMatch
	evals    map[string]int
	procErrs map[string]error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		ids:      make(map[string]int),
		matches:  make(map[string]*policy.RuleMatch),
		evals:    make(map[string]int),
		procErrs: make(map[string]error),
	}
}

func (e *fakeEngine) EnableRule(string, bool, string)        {}
func (e *fakeEngine) EnableRuleByTag([]string, bool, string) {}

func (e *fakeEngine) FindRulesetID(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.ids[name]; ok {
		return id
	}
	id := len(e.names)
	e.ids[name] = id
	e.names = append(e.names, name)
	return id
}

func (e *fakeEngine) EventTypesForRuleset(int) model.EventTypeMask {
	var mask model.EventTypeMask
	mask.Add(model.ExecEventType)
	return mask
}

func (e *fakeEngine) ProcessEvent(_ *model.Event, rulesetID int) (*policy.RuleMatch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	name := e.names[rulesetID]
	e.evals[name]++
	if err := e.procErrs[name]; err != nil {
		return nil, err
	}
	return e.matches[name], nil
}

func (e *fakeEngine) evalCount(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evals[name]
}

// fakeInfra allows everything.
type fakeInfra struct{}

func (fakeInfra) MatchScope(string, string, bool, bool, []*payload.ScopePredicate) bool { return true }
func (fakeInfra) RegisterScope(string, bool, bool, []*payload.ScopePredicate)           {}
func (fakeInfra) CheckRegisteredScope(string) bool                                      { return true }

// fakeCoclient queues command completions until Complete is called.
type fakeCoclient struct {
	mu       sync.Mutex
	cmds     []string
	pending  []func()
	finished []func()
}

func (c *fakeCoclient) Cmd(kind containerctl.CmdKind, containerID string, cb containerctl.ResponseCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cmds = append(c.cmds, kind.String()+":"+containerID)
	c.pending = append(c.pending, func() { cb(true, &containerctl.CmdResult{Successful: true}) })
}

// Complete moves every pending command into the deliverable set.
func (c *fakeCoclient) Complete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = append(c.finished, c.pending...)
	c.pending = nil
}

func (c *fakeCoclient) ProcessCompletions() {
	c.mu.Lock()
	finished := c.finished
	c.finished = nil
	c.mu.Unlock()
	for _, cb := range finished {
		cb()
	}
}

func (c *fakeCoclient) Close() {}

type testRig struct {
	manager  *Manager
	engine   *fakeEngine
	coclient *fakeCoclient
	queue    *serializer.Queue
	dumper   *memdump.Dumper
	clk      *clock.Mock
}

func newTestRig(t *testing.T, defs []policy.Def, throttlingBurst int) *testRig {
	t.Helper()

	engine := newFakeEngine()
	store := policy.NewStore(engine)
	require.NoError(t, store.Load(defs))

	clk := clock.NewMock()
	clk.Set(time.Unix(1000, 0))

	dumper, err := memdump.NewDumper(config.MemdumpConfig{
		Enabled:          true,
		BufsizeBytes:     3 << 20,
		MaxDiskSizeBytes: 30 << 20,
		MaxInitAttempts:  3,
	}, t.TempDir(), nil, clk)
	require.NoError(t, err)
	require.False(t, dumper.Disabled())
	t.Cleanup(dumper.Close)

	queue := serializer.NewQueue(100, 1000, 1000)
	handler := serializer.NewHandler(queue, false, nil)
	coclient := &fakeCoclient{}

	mgr, err := NewManager(config.SecurityConfig{
		ThrottlingRate:   1,
		ThrottlingBurst:  throttlingBurst,
		ReportInterval:   time.Second,
		CaptureChunkSize: 1 << 16,
	}, "host-1", Opts{
		RunRoot:      t.TempDir(),
		Store:        store,
		RuleEngine:   engine,
		InfraState:   fakeInfra{},
		Dumper:       dumper,
		ContainerCtl: coclient,
		Handler:      handler,
		Clock:        clk,
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	return &testRig{
		manager:  mgr,
		engine:   engine,
		coclient: coclient,
		queue:    queue,
		dumper:   dumper,
		clk:      clk,
	}
}

func execEvent(ts uint64) *model.Event {
	return &model.Event{
		TimestampNs: ts,
		Type:        model.ExecEventType,
		Pid:         77,
		Tid:         77,
		ContainerID: "abc",
		Params:      []byte("curl http://example.com"),
	}
}

// drainFrames empties the queue, decoding the frames by type.
func drainFrames(t *testing.T, q *serializer.Queue) (policyEvents []*payload.PolicyEvent, throttled []*payload.ThrottledPolicyEvents, captureData []*payload.CaptureData) {
	t.Helper()
	for {
		frame := q.Get(time.Millisecond)
		if frame == nil {
			return
		}
		switch frame.MessageType {
		case serializer.MessageTypePolicyEvents:
			var msg payload.PolicyEvents
			_, err := serializer.DecodeFrame(frame.Buffer, &msg, serializer.CompressionNone)
			require.NoError(t, err)
			policyEvents = append(policyEvents, msg.Events...)
		case serializer.MessageTypeThrottledPolicyEvents:
			var msg payload.ThrottledPolicyEvents
			_, err := serializer.DecodeFrame(frame.Buffer, &msg, serializer.CompressionNone)
			require.NoError(t, err)
			throttled = append(throttled, &msg)
		case serializer.MessageTypeCaptureData:
			var msg payload.CaptureData
			_, err := serializer.DecodeFrame(frame.Buffer, &msg, serializer.CompressionNone)
			require.NoError(t, err)
			captureData = append(captureData, &msg)
		}
	}
}

func TestDisabledPolicy(t *testing.T) {
	disabled := false
	rig := newTestRig(t, []policy.Def{
		{ID: 1, Name: "p", Enabled: &disabled, HostScope: true, ContainerScope: true},
	}, 50)
	rig.engine.matches["p"] = &policy.RuleMatch{Rule: "r", FormatTemplate: "out"}

	matched := rig.manager.ProcessEvent(execEvent(1000))
	assert.False(t, matched)
	assert.EqualValues(t, 1, rig.manager.PolicyDisabledCount())
	assert.EqualValues(t, 0, rig.manager.MatchedCount())
	// The disabled policy is never evaluated against the rule engine.
	assert.Equal(t, 0, rig.engine.evalCount("p"))

	rig.manager.Tick(2000)
	events, _, _ := drainFrames(t, rig.queue)
	assert.Empty(t, events)
}

func TestCaptureShortCircuit(t *testing.T) {
	rig := newTestRig(t, []policy.Def{
		{ID: 1, Name: "A", HostScope: true, ContainerScope: true, Actions: []policy.ActionDef{
			{Type: "capture", Capture: &policy.CaptureActionDef{BeforeMs: 1000, AfterMs: 2000}},
		}},
		{ID: 2, Name: "B", HostScope: true, ContainerScope: true},
	}, 50)
	rig.engine.matches["A"] = &policy.RuleMatch{Rule: "rule-a", FormatTemplate: "hit %container.id"}
	rig.engine.matches["B"] = &policy.RuleMatch{Rule: "rule-b", FormatTemplate: "never"}

	ts := uint64(100 * time.Second)
	ev := execEvent(ts)
	rig.dumper.ProcessEvent(ev)
	matched := rig.manager.ProcessEvent(ev)

	require.True(t, matched)
	assert.EqualValues(t, 1, rig.manager.MatchedCount())
	// A matched first: B is never evaluated.
	assert.Equal(t, 1, rig.engine.evalCount("A"))
	assert.Equal(t, 0, rig.engine.evalCount("B"))

	// One capture job with the window [t-1s, t+2s].
	rig.manager.mu.Lock()
	require.Len(t, rig.manager.captures, 1)
	var job *memdump.Job
	for _, c := range rig.manager.captures {
		job = c.job
	}
	rig.manager.mu.Unlock()
	assert.EqualValues(t, ts+uint64(2*time.Second), job.EndTime())

	// The capture settles synchronously, so the event is ready: the next
	// tick offers it to the ledger and, accepted, sends it immediately.
	rig.manager.Tick(ts)
	events, _, captureData := drainFrames(t, rig.queue)
	require.Len(t, events, 1)
	assert.EqualValues(t, 1, events[0].PolicyId)
	assert.Equal(t, "rule-a", events[0].RuleDetails.Rule)
	assert.Equal(t, "hit abc", events[0].RuleDetails.Output)
	require.Len(t, events[0].ActionResults, 1)
	assert.True(t, events[0].ActionResults[0].Successful)
	assert.NotEmpty(t, events[0].ActionResults[0].Token)
	assert.Empty(t, captureData)

	// The job follows the live tail until its end time passes, then the
	// accepted capture drains to the sink.
	end := ts + uint64(3*time.Second)
	rig.dumper.ProcessEvent(execEvent(end))
	require.Equal(t, memdump.JobDoneOk, job.State())

	rig.manager.Tick(end)
	_, _, captureData = drainFrames(t, rig.queue)
	require.NotEmpty(t, captureData)
	last := captureData[len(captureData)-1]
	assert.True(t, last.LastChunk)
	assert.Equal(t, events[0].ActionResults[0].Token, last.Token)
}

func TestThrottledCapture(t *testing.T) {
	rig := newTestRig(t, []policy.Def{
		{ID: 1, Name: "A", HostScope: true, ContainerScope: true, Actions: []policy.ActionDef{
			{Type: "capture", Capture: &policy.CaptureActionDef{BeforeMs: 10}},
		}},
	}, 5)
	rig.engine.matches["A"] = &policy.RuleMatch{Rule: "rule-a", FormatTemplate: "hit"}

	// 100 matches within one second: the ledger accepts the burst of 5.
	var ts uint64
	for i := 0; i < 100; i++ {
		ts = uint64(time.Second) + uint64(i)*uint64(10*time.Millisecond)
		ev := execEvent(ts)
		rig.dumper.ProcessEvent(ev)
		rig.manager.ProcessEvent(ev)
	}
	rig.manager.Tick(ts)
	rig.manager.Tick(ts + uint64(time.Second))

	events, throttled, captureData := drainFrames(t, rig.queue)
	assert.Len(t, events, 5)

	require.NotEmpty(t, throttled)
	var total uint64
	for _, report := range throttled {
		total += report.TotalCount
	}
	assert.EqualValues(t, 95, total)

	// Five captures drained, none of the suppressed ones leaked.
	lastChunks := 0
	tokens := map[string]bool{}
	for _, chunk := range captureData {
		tokens[chunk.Token] = true
		if chunk.LastChunk {
			lastChunks++
		}
	}
	assert.Equal(t, 5, lastChunks)
	assert.Len(t, tokens, 5)

	// Every capture settled: nothing is left in the registry.
	rig.manager.mu.Lock()
	assert.Empty(t, rig.manager.captures)
	rig.manager.mu.Unlock()
}

func TestUnknownActionType(t *testing.T) {
	rig := newTestRig(t, []policy.Def{
		{ID: 1, Name: "A", HostScope: true, ContainerScope: true, Actions: []policy.ActionDef{
			{Type: "webhook"},
		}},
	}, 50)
	rig.engine.matches["A"] = &policy.RuleMatch{Rule: "rule-a", FormatTemplate: "hit"}

	require.True(t, rig.manager.ProcessEvent(execEvent(1000)))
	rig.manager.Tick(2000)

	events, _, _ := drainFrames(t, rig.queue)
	require.Len(t, events, 1)
	require.Len(t, events[0].ActionResults, 1)
	assert.False(t, events[0].ActionResults[0].Successful)
	assert.Contains(t, events[0].ActionResults[0].Errmsg, "not implemented")
}

func TestAsyncContainerAction(t *testing.T) {
	rig := newTestRig(t, []policy.Def{
		{ID: 1, Name: "A", HostScope: true, ContainerScope: true, Actions: []policy.ActionDef{
			{Type: "pause"},
		}},
	}, 50)
	rig.engine.matches["A"] = &policy.RuleMatch{Rule: "rule-a", FormatTemplate: "hit"}

	require.True(t, rig.manager.ProcessEvent(execEvent(1000)))
	assert.Equal(t, []string{"pause:abc"}, rig.coclient.cmds)
	assert.Equal(t, 1, rig.manager.OutstandingActions())

	// Not emitted while the container command is outstanding.
	rig.manager.Tick(2000)
	events, _, _ := drainFrames(t, rig.queue)
	assert.Empty(t, events)
	assert.Equal(t, 1, rig.manager.OutstandingActions())

	// Completion arrives: the next tick emits the event with the stamped
	// result.
	rig.coclient.Complete()
	rig.manager.Tick(3000)
	events, _, _ = drainFrames(t, rig.queue)
	require.Len(t, events, 1)
	require.Len(t, events[0].ActionResults, 1)
	assert.True(t, events[0].ActionResults[0].Successful)
	assert.Equal(t, 0, rig.manager.OutstandingActions())
}

func TestStaleCallbackIgnored(t *testing.T) {
	rig := newTestRig(t, []policy.Def{
		{ID: 1, Name: "A", HostScope: true, ContainerScope: true, Actions: []policy.ActionDef{
			{Type: "stop"},
		}},
	}, 50)
	rig.engine.matches["A"] = &policy.RuleMatch{Rule: "rule-a", FormatTemplate: "hit"}

	require.True(t, rig.manager.ProcessEvent(execEvent(1000)))

	// Retire the engine before the completion arrives.
	rig.manager.Close()
	rig.coclient.Complete()
	rig.coclient.ProcessCompletions()

	assert.Equal(t, 0, rig.manager.OutstandingActions())
	rig.manager.Tick(2000)
	events, _, _ := drainFrames(t, rig.queue)
	assert.Empty(t, events)
}

func TestRuleEngineErrorIsAMiss(t *testing.T) {
	rig := newTestRig(t, []policy.Def{
		{ID: 1, Name: "A", HostScope: true, ContainerScope: true},
		{ID: 2, Name: "B", HostScope: true, ContainerScope: true},
	}, 50)
	rig.engine.procErrs["A"] = assert.AnError
	rig.engine.matches["B"] = &policy.RuleMatch{Rule: "rule-b", FormatTemplate: "hit"}

	// A's engine error does not stop B from matching.
	require.True(t, rig.manager.ProcessEvent(execEvent(1000)))
	assert.EqualValues(t, 1, rig.manager.RuleMissCount())
	assert.EqualValues(t, 1, rig.manager.MatchedCount())
}

func TestFormatOutput(t *testing.T) {
	ev := execEvent(1000)
	assert.Equal(t, "exec by 77 in abc", formatOutput("%evt.type by %proc.pid in %container.id", ev))
	assert.Equal(t, "no tokens", formatOutput("no tokens", ev))
	assert.Equal(t, "", formatOutput("", ev))
}
