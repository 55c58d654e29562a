// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package containerctl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingRuntime records commands and fails the ones it is told to fail.
type recordingRuntime struct {
	mu       sync.Mutex
	commands []string
	failWith error
}

func (r *recordingRuntime) Cmd(_ context.Context, kind CmdKind, containerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, kind.String()+":"+containerID)
	return r.failWith
}

func (r *recordingRuntime) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

func waitFor(t *testing.T, cond func() bool) {
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

func TestDispatcherCompletesOnProcessCompletions(t *testing.T) {
	runtime := &recordingRuntime{}
	d := NewDispatcher(runtime)
	defer d.Close()

	var mu sync.Mutex
	var results []*CmdResult

	d.Cmd(CmdPause, "abc", func(rpcOK bool, result *CmdResult) {
		mu.Lock()
		defer mu.Unlock()
		require.True(t, rpcOK)
		results = append(results, result)
	})

	waitFor(t, func() bool { return len(runtime.recorded()) == 1 })
	assert.Equal(t, []string{"pause:abc"}, runtime.recorded())

	// The callback only fires from ProcessCompletions, on the caller's
	// goroutine.
	mu.Lock()
	assert.Empty(t, results)
	mu.Unlock()

	waitFor(t, func() bool {
		d.ProcessCompletions()
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 1
	})

	mu.Lock()
	assert.True(t, results[0].Successful)
	mu.Unlock()
}

func TestDispatcherReportsFailures(t *testing.T) {
	runtime := &recordingRuntime{failWith: errors.New("no such container")}
	d := NewDispatcher(runtime)
	defer d.Close()

	var mu sync.Mutex
	var result *CmdResult

	d.Cmd(CmdStop, "zzz", func(rpcOK bool, res *CmdResult) {
		mu.Lock()
		defer mu.Unlock()
		assert.True(t, rpcOK)
		result = res
	})

	waitFor(t, func() bool {
		d.ProcessCompletions()
		mu.Lock()
		defer mu.Unlock()
		return result != nil
	})

	mu.Lock()
	assert.False(t, result.Successful)
	assert.Contains(t, result.Errstr, "no such container")
	mu.Unlock()
}
