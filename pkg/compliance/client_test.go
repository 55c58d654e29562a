// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package compliance

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/DataDog/secagent/pkg/config"
	"github.com/DataDog/secagent/pkg/proto/payload"
	"github.com/DataDog/secagent/pkg/serializer"
)

// fakeStream feeds task events to the client until its channel closes, an
// error is injected or the stream context is cancelled.
type fakeStream struct {
	grpc.ClientStream
	ctx   context.Context
	ch    chan *payload.CompTaskEvent
	errCh chan error
}

func (s *fakeStream) Recv() (*payload.CompTaskEvent, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return ev, nil
	case err := <-s.errCh:
		return nil, err
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

// fakeComplianceModule implements the RPC client surface in memory.
type fakeComplianceModule struct {
	mu         sync.Mutex
	starts     []*payload.CompStart
	stops      int
	runs       []*payload.CompRun
	current    chan *payload.CompTaskEvent
	currentErr chan error
	futureRuns *payload.CompFutureRuns
}

func (f *fakeComplianceModule) Start(ctx context.Context, in *payload.CompStart, _ ...grpc.CallOption) (payload.ComplianceModuleMgrStartClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, in)
	f.current = make(chan *payload.CompTaskEvent, 16)
	f.currentErr = make(chan error, 1)
	return &fakeStream{ctx: ctx, ch: f.current, errCh: f.currentErr}, nil
}

func (f *fakeComplianceModule) failStream(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.currentErr <- err
}

func (f *fakeComplianceModule) Stop(context.Context, *payload.CompStop, ...grpc.CallOption) (*payload.CompStopResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.current != nil {
		close(f.current)
		f.current = nil
	}
	return &payload.CompStopResult{Successful: true}, nil
}

func (f *fakeComplianceModule) RunTasks(_ context.Context, in *payload.CompRun, _ ...grpc.CallOption) (*payload.CompRunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, in)
	return &payload.CompRunResult{Successful: true}, nil
}

func (f *fakeComplianceModule) GetFutureRuns(context.Context, *payload.CompGetFutureRuns, ...grpc.CallOption) (*payload.CompFutureRuns, error) {
	return f.futureRuns, nil
}

func (f *fakeComplianceModule) push(ev *payload.CompTaskEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current <- ev
}

func (f *fakeComplianceModule) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeComplianceModule) lastStart() *payload.CompStart {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.starts) == 0 {
		return nil
	}
	return f.starts[len(f.starts)-1]
}

// allowAllInfra matches every scope.
type allowAllInfra struct{}

func (allowAllInfra) MatchScope(string, string, bool, bool, []*payload.ScopePredicate) bool {
	return true
}
func (allowAllInfra) RegisterScope(string, bool, bool, []*payload.ScopePredicate) {}
func (allowAllInfra) CheckRegisteredScope(string) bool                            { return true }

func newTestClient(t *testing.T) (*Client, *fakeComplianceModule, *serializer.Queue, *clock.Mock) {
	t.Helper()

	module := &fakeComplianceModule{}
	queue := serializer.NewQueue(10, 100, 100)
	handler := serializer.NewHandler(queue, false, nil)
	clk := clock.NewMock()
	clk.Set(time.Unix(1000, 0))

	client := NewWithClient(config.ComplianceConfig{
		Enabled:         true,
		RefreshInterval: 2 * time.Minute,
		SendResults:     true,
		SaveErrors:      true,
	}, "host-1", "cust-1", allowAllInfra{}, handler, nil, clk, module)
	t.Cleanup(client.Close)

	return client, module, queue, clk
}

func calendar(ids ...uint64) *payload.CompCalendar {
	cal := &payload.CompCalendar{}
	for _, id := range ids {
		cal.Tasks = append(cal.Tasks, &payload.CompTask{
			Id:      id,
			Name:    "task-" + string(rune('a'+id)),
			Enabled: true,
		})
	}
	return cal
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestSetCalendarStartsTasks(t *testing.T) {
	client, module, queue, _ := newTestClient(t)

	client.SetCalendar(calendar(1, 2, 3), true, false)
	client.Tick(1000)

	waitUntil(t, func() bool { return module.startCount() == 1 })
	require.Len(t, module.lastStart().Calendar.Tasks, 3)
	assert.Equal(t, "host-1", module.lastStart().MachineId)

	// Results flow to the sink as compliance results.
	module.push(&payload.CompTaskEvent{
		TaskName:       "task-b",
		InitSuccessful: true,
		Results: &payload.CompResults{Results: []*payload.CompResult{
			{TaskName: "task-b", TaskId: 1, Successful: true, Data: "ok"},
		}},
	})

	waitUntil(t, func() bool {
		client.Tick(2000)
		return queue.Len(serializer.PriorityLow) > 0
	})

	frame := queue.Get(time.Millisecond)
	require.NotNil(t, frame)
	assert.Equal(t, serializer.MessageTypeCompResults, frame.MessageType)

	var results payload.CompResults
	_, err := serializer.DecodeFrame(frame.Buffer, &results, serializer.CompressionNone)
	require.NoError(t, err)
	require.Len(t, results.Results, 1)
	assert.Equal(t, "task-b", results.Results[0].TaskName)

	assert.Equal(t, StateRunning, client.State())
}

func TestSetCalendarIdempotent(t *testing.T) {
	client, module, _, _ := newTestClient(t)

	client.SetCalendar(calendar(1, 2, 3), true, false)
	client.Tick(1000)
	waitUntil(t, func() bool { return module.startCount() == 1 })

	// The same calendar again: no stop, no new start.
	client.SetCalendar(calendar(1, 2, 3), true, false)
	client.Tick(2000)

	assert.Equal(t, 1, module.startCount())
	module.mu.Lock()
	assert.Equal(t, 0, module.stops)
	module.mu.Unlock()
}

func TestRecalendarRestartsStream(t *testing.T) {
	client, module, _, _ := newTestClient(t)

	client.SetCalendar(calendar(1, 2, 3), true, false)
	client.Tick(1000)
	waitUntil(t, func() bool { return module.startCount() == 1 })

	// One task id replaced: stop, then restart with the new set.
	client.SetCalendar(calendar(1, 2, 4), true, false)
	client.Tick(2000)

	waitUntil(t, func() bool { return module.startCount() == 2 })
	module.mu.Lock()
	assert.Equal(t, 1, module.stops)
	module.mu.Unlock()

	ids := map[uint64]bool{}
	for _, task := range module.lastStart().Calendar.Tasks {
		ids[task.Id] = true
	}
	assert.Equal(t, map[uint64]bool{1: true, 2: true, 4: true}, ids)
}

func TestDisabledTasksAreFiltered(t *testing.T) {
	client, module, _, _ := newTestClient(t)

	cal := calendar(1, 2)
	cal.Tasks[1].Enabled = false
	client.SetCalendar(cal, true, false)
	client.Tick(1000)

	waitUntil(t, func() bool { return module.startCount() == 1 })
	require.Len(t, module.lastStart().Calendar.Tasks, 1)
	assert.EqualValues(t, 1, module.lastStart().Calendar.Tasks[0].Id)
}

func TestTaskInitErrorsAreRetained(t *testing.T) {
	client, module, _, _ := newTestClient(t)

	client.SetCalendar(calendar(1), true, false)
	client.Tick(1000)
	waitUntil(t, func() bool { return module.startCount() == 1 })

	module.push(&payload.CompTaskEvent{
		TaskName:       "task-b",
		InitSuccessful: false,
		Errstr:         "docker socket unavailable",
	})

	waitUntil(t, func() bool {
		client.Tick(2000)
		errs := client.TaskErrors()
		return len(errs["task-b"]) == 1
	})

	errs := client.TaskErrors()
	assert.Equal(t, "docker socket unavailable", errs["task-b"][0])
}

func TestRunNow(t *testing.T) {
	client, module, _, _ := newTestClient(t)

	client.RunNow([]uint64{7, 8})
	client.Tick(1000)

	waitUntil(t, func() bool {
		module.mu.Lock()
		defer module.mu.Unlock()
		return len(module.runs) == 1
	})

	module.mu.Lock()
	assert.Equal(t, []uint64{7, 8}, module.runs[0].TaskIds)
	module.mu.Unlock()
}

func TestStreamFailureRetriesAfterRefreshInterval(t *testing.T) {
	client, module, _, clk := newTestClient(t)

	client.SetCalendar(calendar(1, 2), true, false)
	client.Tick(1000)
	waitUntil(t, func() bool { return module.startCount() == 1 })

	module.failStream(assert.AnError)
	waitUntil(t, func() bool {
		client.Tick(2000)
		return client.State() == StateFailed
	})

	// Before the refresh interval elapses nothing restarts.
	client.Tick(3000)
	assert.Equal(t, 1, module.startCount())

	clk.Add(3 * time.Minute)
	client.Tick(4000)
	waitUntil(t, func() bool { return module.startCount() == 2 })
}

func TestEmptyCalendarStopsStream(t *testing.T) {
	client, module, _, _ := newTestClient(t)

	client.SetCalendar(calendar(1), true, false)
	client.Tick(1000)
	waitUntil(t, func() bool { return module.startCount() == 1 })

	client.SetCalendar(&payload.CompCalendar{}, true, false)
	client.Tick(2000)

	module.mu.Lock()
	stops := module.stops
	module.mu.Unlock()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, module.startCount())
}
