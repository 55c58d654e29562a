// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package containerctl issues pause/stop commands to the container runtime.
// Commands are asynchronous: completions are queued and drained from the
// engine scheduler, never delivered from the runtime goroutine.
package containerctl

import (
	"context"
	"sync"
	"time"

	"github.com/DataDog/secagent/pkg/util/log"
)

// CmdKind is the container command kind.
type CmdKind int

const (
	// CmdPause pauses a container.
	CmdPause CmdKind = iota
	// CmdStop stops a container.
	CmdStop
)

func (k CmdKind) String() string {
	switch k {
	case CmdPause:
		return "pause"
	case CmdStop:
		return "stop"
	}
	return "unknown"
}

// CmdResult is the outcome of one container command.
type CmdResult struct {
	Successful bool
	Errstr     string
}

// ResponseCallback receives the command outcome. rpcOK is false when the
// runtime could not be reached at all.
type ResponseCallback func(rpcOK bool, result *CmdResult)

// Client is the container-control port used by the action executor.
type Client interface {
	// Cmd enqueues a command. The callback fires from ProcessCompletions,
	// except when the command cannot be queued at all: the Dispatcher then
	// invokes it inline with a failed result.
	Cmd(kind CmdKind, containerID string, cb ResponseCallback)
	// ProcessCompletions invokes the callbacks of finished commands. Called
	// from the engine scheduler; never blocks.
	ProcessCompletions()
	// Close stops the worker. Pending commands are abandoned.
	Close()
}

// Runtime executes a single container command. Implementations talk to the
// actual container runtime.
type Runtime interface {
	Cmd(ctx context.Context, kind CmdKind, containerID string) error
}

const (
	requestQueueSize    = 64
	completionQueueSize = 64
	cmdTimeout          = 30 * time.Second
)

type request struct {
	kind        CmdKind
	containerID string
	cb          ResponseCallback
}

type completion struct {
	cb     ResponseCallback
	rpcOK  bool
	result *CmdResult
}

// Dispatcher is the default Client: a single worker draining a bounded
// request queue against the runtime.
type Dispatcher struct {
	runtime     Runtime
	requests    chan request
	completions chan completion

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher builds and starts a dispatcher over the given runtime.
func NewDispatcher(runtime Runtime) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		runtime:     runtime,
		requests:    make(chan request, requestQueueSize),
		completions: make(chan completion, completionQueueSize),
		cancel:      cancel,
	}

	d.wg.Add(1)
	go d.worker(ctx)

	return d
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-d.requests:
			cmdCtx, cancel := context.WithTimeout(ctx, cmdTimeout)
			err := d.runtime.Cmd(cmdCtx, req.kind, req.containerID)
			cancel()

			result := &CmdResult{Successful: err == nil}
			if err != nil {
				result.Errstr = err.Error()
			}

			select {
			case d.completions <- completion{cb: req.cb, rpcOK: true, result: result}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Cmd enqueues a command. A full queue completes the command immediately as
// a failed RPC.
func (d *Dispatcher) Cmd(kind CmdKind, containerID string, cb ResponseCallback) {
	select {
	case d.requests <- request{kind: kind, containerID: containerID, cb: cb}:
	default:
		log.Warnf("container command queue full, dropping %s for `%s`", kind, containerID)
		select {
		case d.completions <- completion{cb: cb, rpcOK: false, result: &CmdResult{Successful: false, Errstr: "command queue full"}}:
		default:
			// Both queues full: invoke inline as a last resort so the
			// action state still settles.
			cb(false, &CmdResult{Successful: false, Errstr: "command queue full"})
		}
	}
}

// ProcessCompletions drains finished commands, invoking their callbacks on
// the caller's goroutine.
func (d *Dispatcher) ProcessCompletions() {
	for {
		select {
		case c := <-d.completions:
			c.cb(c.rpcOK, c.result)
		default:
			return
		}
	}
}

// Close stops the worker.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
