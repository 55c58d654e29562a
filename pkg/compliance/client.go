// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package compliance drives the external compliance module: it starts the
// scheduled tasks of the calendar over a streaming RPC, drains their
// results into the sink and keeps the stream alive across calendar changes
// and failures.
package compliance

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/DataDog/secagent/pkg/config"
	"github.com/DataDog/secagent/pkg/proto/payload"
	"github.com/DataDog/secagent/pkg/security/metrics"
	"github.com/DataDog/secagent/pkg/security/policy"
	"github.com/DataDog/secagent/pkg/serializer"
	"github.com/DataDog/secagent/pkg/util/log"
)

// State is the lifecycle state of the compliance stream.
type State int

const (
	// StateIdle means no stream is active.
	StateIdle State = iota
	// StateStarting means the stream is up but no task has initialized yet.
	StateStarting
	// StateRunning means at least one task initialized successfully.
	StateRunning
	// StateStopping means a stop RPC is in flight.
	StateStopping
	// StateFailed means the last stream ended in error; a retry is
	// scheduled after the refresh interval.
	StateFailed
)

const (
	taskEventQueueSize = 256
	stopBudget         = 10 * time.Second
)

// Client is the long-lived compliance module client. SetCalendar and RunNow
// may be called from any goroutine; Tick runs on the control goroutine.
type Client struct {
	cfg        config.ComplianceConfig
	hostID     string
	customerID string

	infra        policy.InfraState
	handler      *serializer.Handler
	statsdClient statsd.ClientInterface
	clk          clock.Clock

	conn   *grpc.ClientConn
	client payload.ComplianceModuleMgrClient

	mu            sync.Mutex
	state         State
	calendar      *payload.CompCalendar
	sendResults   bool
	sendEvents    bool
	shouldRefresh bool
	curTasks      map[uint64]bool
	pendingRun    *payload.CompRun
	retryAt       time.Time

	taskEvents   chan *payload.CompTaskEvent
	streamDone   chan error
	streamCancel context.CancelFunc

	numErrors  uint64
	saveErrors bool
	taskErrors map[string][]string
}

// NewClient dials the compliance module socket and returns a client.
func NewClient(cfg config.ComplianceConfig, hostID, customerID string, infra policy.InfraState, handler *serializer.Handler, statsdClient statsd.ClientInterface, clk clock.Clock) (*Client, error) {
	conn, err := grpc.Dial(cfg.SocketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrapf(err, "could not dial compliance module at `%s`", cfg.SocketPath)
	}

	c := NewWithClient(cfg, hostID, customerID, infra, handler, statsdClient, clk, payload.NewComplianceModuleMgrClient(conn))
	c.conn = conn
	return c, nil
}

// NewWithClient builds a Client over an existing RPC client. Used by tests
// and in-process servers.
func NewWithClient(cfg config.ComplianceConfig, hostID, customerID string, infra policy.InfraState, handler *serializer.Handler, statsdClient statsd.ClientInterface, clk clock.Clock, client payload.ComplianceModuleMgrClient) *Client {
	return &Client{
		cfg:          cfg,
		hostID:       hostID,
		customerID:   customerID,
		infra:        infra,
		handler:      handler,
		statsdClient: statsdClient,
		clk:          clk,
		client:       client,
		curTasks:     make(map[uint64]bool),
		taskEvents:   make(chan *payload.CompTaskEvent, taskEventQueueSize),
		saveErrors:   cfg.SaveErrors,
		taskErrors:   make(map[string][]string),
	}
}

// State returns the stream lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TaskErrors returns the retained per-task init errors when save_errors is
// enabled.
func (c *Client) TaskErrors() map[string][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]string, len(c.taskErrors))
	for name, errs := range c.taskErrors {
		out[name] = append([]string(nil), errs...)
	}
	return out
}

// SetCalendar installs a new task calendar. The stream is only restarted
// when the scope-filtered task set actually changes.
func (c *Client) SetCalendar(calendar *payload.CompCalendar, sendResults, sendEvents bool) {
	log.Debugf("new compliance calendar: %d tasks", len(calendar.Tasks))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calendar = calendar
	c.sendResults = sendResults
	c.sendEvents = sendEvents
	c.shouldRefresh = true
}

// RunNow requests an immediate one-shot run of the given tasks; the RPC is
// fired asynchronously on the next tick.
func (c *Client) RunNow(taskIDs []uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingRun = &payload.CompRun{TaskIds: taskIDs}
}

// GetFutureRuns asks the module for the next scheduled runs of a task. A
// blocking call, diagnostic only.
func (c *Client) GetFutureRuns(req *payload.CompGetFutureRuns) (*payload.CompFutureRuns, error) {
	ctx, cancel := context.WithTimeout(context.Background(), stopBudget)
	defer cancel()
	return c.client.GetFutureRuns(ctx, req)
}

// Tick drains pending task events, checks the worker and performs any
// requested refresh or one-shot run. Called at 1 Hz.
func (c *Client) Tick(tsNs uint64) {
	c.drainTaskEvents(tsNs)
	c.checkStream()
	c.checkPendingRun()

	c.mu.Lock()
	if c.state == StateFailed && !c.retryAt.IsZero() && !c.clk.Now().Before(c.retryAt) {
		c.retryAt = time.Time{}
		c.shouldRefresh = true
	}
	refresh := c.shouldRefresh
	c.shouldRefresh = false
	c.mu.Unlock()

	if refresh {
		c.refreshTasks(tsNs)
	}
}

func (c *Client) drainTaskEvents(tsNs uint64) {
	for {
		select {
		case cevent := <-c.taskEvents:
			c.handleTaskEvent(tsNs, cevent)
		default:
			return
		}
	}
}

func (c *Client) handleTaskEvent(tsNs uint64, cevent *payload.CompTaskEvent) {
	c.mu.Lock()
	if !cevent.InitSuccessful {
		log.Errorf("could not initialize compliance task %s (%s), trying again in %d seconds",
			cevent.TaskName, cevent.Errstr, int64(c.cfg.RefreshInterval/time.Second))
		c.numErrors++
		if c.saveErrors {
			c.taskErrors[cevent.TaskName] = append(c.taskErrors[cevent.TaskName], cevent.Errstr)
		}
		if c.statsdClient != nil {
			_ = c.statsdClient.Count(metrics.MetricComplianceTaskErrors, 1, []string{"task:" + cevent.TaskName}, 1.0)
		}
	} else if c.state == StateStarting {
		c.state = StateRunning
	}
	sendResults := c.sendResults
	sendEvents := c.sendEvents
	c.mu.Unlock()

	if sendEvents && cevent.Events != nil && len(cevent.Events.Events) > 0 {
		c.handler.Transmit(tsNs, serializer.MessageTypeCompEvents, cevent.Events)
	}

	if sendResults && cevent.Results != nil && len(cevent.Results.Results) > 0 {
		c.handler.Transmit(tsNs, serializer.MessageTypeCompResults, cevent.Results)
		if c.statsdClient != nil {
			_ = c.statsdClient.Count(metrics.MetricComplianceResults, int64(len(cevent.Results.Results)), nil, 1.0)
		}
	}
}

func (c *Client) checkStream() {
	c.mu.Lock()
	done := c.streamDone
	c.mu.Unlock()
	if done == nil {
		return
	}

	select {
	case err := <-done:
		c.mu.Lock()
		c.streamDone = nil
		c.streamCancel = nil
		if err != nil {
			log.Errorf("could not start compliance tasks (%v), trying again in %d seconds",
				err, int64(c.cfg.RefreshInterval/time.Second))
			c.state = StateFailed
			c.retryAt = c.clk.Now().Add(c.cfg.RefreshInterval)
			// Nothing is running anymore: forget the task set so the retry
			// does not diff as a no-op.
			c.curTasks = make(map[uint64]bool)
		} else {
			log.Debugf("compliance start stream completed")
			c.state = StateIdle
		}
		c.mu.Unlock()
	default:
	}
}

func (c *Client) checkPendingRun() {
	c.mu.Lock()
	run := c.pendingRun
	c.pendingRun = nil
	c.mu.Unlock()
	if run == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), stopBudget)
		defer cancel()
		res, err := c.client.RunTasks(ctx, run)
		if err != nil {
			log.Errorf("could not run compliance tasks (%v)", err)
			return
		}
		if !res.Successful {
			log.Errorf("could not run compliance tasks (%s)", res.Errstr)
		}
	}()
}

// refreshTasks diffs the scope-filtered calendar against the running task
// set and restarts the stream when it changed.
func (c *Client) refreshTasks(tsNs uint64) {
	c.mu.Lock()
	calendar := c.calendar
	c.mu.Unlock()
	if calendar == nil {
		return
	}

	start := &payload.CompStart{
		MachineId:         c.hostID,
		CustomerId:        c.customerID,
		SendFailedResults: true,
		Calendar:          &payload.CompCalendar{},
	}

	newTasks := make(map[uint64]bool)
	for _, task := range calendar.Tasks {
		if !task.Enabled {
			continue
		}

		// Unlike policies there is no event carrying a container id here:
		// the scope is registered so it can be re-evaluated as containers
		// come and go.
		regID := "compliance_tasks:" + task.Name
		c.infra.RegisterScope(regID, true, true, task.ScopePredicates)
		if !c.infra.CheckRegisteredScope(regID) {
			log.Infof("not starting compliance task %s (scope doesn't match)", task.Name)
			continue
		}

		start.Calendar.Tasks = append(start.Calendar.Tasks, task)
		newTasks[task.Id] = true
	}

	c.mu.Lock()
	unchanged := len(newTasks) == len(c.curTasks)
	if unchanged {
		for id := range newTasks {
			if !c.curTasks[id] {
				unchanged = false
				break
			}
		}
	}
	c.mu.Unlock()

	if unchanged {
		log.Infof("compliance tasks unchanged, not doing anything")
		return
	}

	c.stopStream()

	c.mu.Lock()
	c.curTasks = newTasks
	c.mu.Unlock()

	if len(newTasks) > 0 {
		c.startStream(start)
	}
}

// startStream spawns the worker that opens the start stream and feeds the
// task event queue.
func (c *Client) startStream(start *payload.CompStart) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	c.mu.Lock()
	c.state = StateStarting
	c.streamCancel = cancel
	c.streamDone = done
	c.mu.Unlock()

	log.Debugf("starting %d compliance tasks", len(start.Calendar.Tasks))

	go func() {
		done <- c.runStream(ctx, start)
	}()
}

func (c *Client) runStream(ctx context.Context, start *payload.CompStart) error {
	var stream payload.ComplianceModuleMgrStartClient

	// The stream open is retried with backoff; once events flow, any error
	// ends the worker and the refresh interval schedules the next attempt.
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err := backoff.Retry(func() error {
		var err error
		stream, err = c.client.Start(ctx, start)
		return err
	}, bo)
	if err != nil {
		return err
	}

	for {
		cevent, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				// Cancelled by a stop: not a failure.
				return nil
			}
			return err
		}

		select {
		case c.taskEvents <- cevent:
		case <-ctx.Done():
			return nil
		}
	}
}

// stopStream sends the stop RPC with its 10 second budget, then cancels the
// worker.
func (c *Client) stopStream() {
	c.mu.Lock()
	cancel := c.streamCancel
	done := c.streamDone
	if cancel == nil {
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	c.mu.Unlock()

	stopDone := make(chan *payload.CompStopResult, 1)
	go func() {
		ctx, cancelStop := context.WithTimeout(context.Background(), stopBudget)
		defer cancelStop()
		res, err := c.client.Stop(ctx, &payload.CompStop{})
		if err != nil {
			res = &payload.CompStopResult{Successful: false, Errstr: err.Error()}
		}
		stopDone <- res
	}()

	select {
	case res := <-stopDone:
		if !res.Successful {
			log.Debugf("compliance stop call returned error %s", res.Errstr)
		}
	case <-c.clk.After(stopBudget):
		log.Errorf("did not receive response to compliance stop call within %s", stopBudget)
	}

	cancel()
	if done != nil {
		select {
		case <-done:
		case <-c.clk.After(time.Second):
		}
	}

	c.mu.Lock()
	c.streamCancel = nil
	c.streamDone = nil
	c.state = StateIdle
	c.mu.Unlock()
}

// Close stops any running stream and releases the connection.
func (c *Client) Close() {
	c.stopStream()
	if c.conn != nil {
		c.conn.Close()
	}
}
