// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package manager

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/DataDog/secagent/pkg/memdump"
	"github.com/DataDog/secagent/pkg/proto/payload"
	"github.com/DataDog/secagent/pkg/security/model"
	"github.com/DataDog/secagent/pkg/security/policy"
	"github.com/DataDog/secagent/pkg/serializer"
	"github.com/DataDog/secagent/pkg/util/log"
)

// captureGraceNs bounds how long a finished-window job may stay running
// when the event flow dries up before its end time.
const captureGraceNs = uint64(5 * time.Second)

// capture tracks one capture job from start to drain or stop.
type capture struct {
	token      string
	policyName string
	job        *memdump.Job
	// sendingAllowed is set when the triggering policy event is accepted by
	// the throttle ledger. Until then no capture byte leaves the host.
	sendingAllowed bool
}

// startCapture starts a capture job covering [event − before, event +
// after], optionally scoped to the offending container.
func (m *Manager) startCapture(ev *model.Event, p *policy.Policy, action *policy.CaptureAction, token string) error {
	if m.dumper == nil || m.dumper.Disabled() {
		return errors.New("memory dump disabled")
	}

	filter := action.Filter
	if action.IsLimitedToContainer && ev.ContainerID != "" {
		scope := "container.id=" + ev.ContainerID
		if filter == "" {
			filter = scope
		} else {
			filter = filter + " and " + scope
		}
	}

	dir := filepath.Join(m.runRoot, "captures")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "could not create captures directory")
	}
	filename := filepath.Join(dir, token+".dump")

	job := m.dumper.AddJob(ev.TimestampNs, filename, filter, action.BeforeNs, action.AfterNs)
	if job.State() == memdump.JobDoneError {
		os.Remove(filename)
		return errors.New(job.LastError())
	}

	log.Debugf("started capture %s for policy `%s` [%d, %d]",
		token, p.Name, ev.TimestampNs-action.BeforeNs, ev.TimestampNs+action.AfterNs)

	m.mu.Lock()
	m.captures[token] = &capture{
		token:      token,
		policyName: p.Name,
		job:        job,
	}
	m.mu.Unlock()

	return nil
}

// startSendingCapture releases a capture for draining: its bytes flow to
// the sink once the job completes.
func (m *Manager) startSendingCapture(token string) {
	m.mu.Lock()
	c, ok := m.captures[token]
	if ok {
		c.sendingAllowed = true
	}
	m.mu.Unlock()

	if !ok {
		log.Warnf("start sending requested for unknown capture %s", token)
	}
}

// stopCapture cancels a capture; its file is removed without emitting
// anything.
func (m *Manager) stopCapture(token string) {
	m.mu.Lock()
	c, ok := m.captures[token]
	delete(m.captures, token)
	m.mu.Unlock()

	if !ok {
		log.Warnf("stop requested for unknown capture %s", token)
		return
	}

	c.job.Stop()
	m.removeCaptureFile(c)
	log.Debugf("stopped capture %s without sending", token)
}

func (m *Manager) removeCaptureFile(c *capture) {
	if err := os.Remove(c.job.Filename()); err != nil && !os.IsNotExist(err) {
		log.Warnf("could not remove capture file `%s`: %v", c.job.Filename(), err)
	}
}

// checkCaptures drains or reaps the finished capture jobs.
func (m *Manager) checkCaptures(tsNs uint64) {
	m.mu.Lock()
	var done []*capture
	for token, c := range m.captures {
		switch c.job.State() {
		case memdump.JobRunning:
			// A job whose window has passed but that sees no more events
			// would otherwise never complete.
			if end := c.job.EndTime(); tsNs > end+captureGraceNs {
				c.job.Finish()
			}
		case memdump.JobDoneOk:
			if c.sendingAllowed {
				done = append(done, c)
				delete(m.captures, token)
			}
		case memdump.JobDoneError:
			log.Errorf("capture %s failed: %s", token, c.job.LastError())
			done = append(done, c)
			delete(m.captures, token)
		case memdump.JobStopped:
			delete(m.captures, token)
		}
	}
	m.mu.Unlock()

	for _, c := range done {
		if c.job.State() == memdump.JobDoneOk {
			m.drainCapture(tsNs, c)
		}
		m.removeCaptureFile(c)
	}
}

// drainCapture streams the capture file to the sink in bounded chunks.
func (m *Manager) drainCapture(tsNs uint64, c *capture) {
	file, err := os.Open(c.job.Filename())
	if err != nil {
		log.Errorf("could not open capture file `%s`: %v", c.job.Filename(), err)
		return
	}
	defer file.Close()

	chunkSize := m.cfg.CaptureChunkSize
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}

	var offset uint64
	buf := make([]byte, chunkSize)
	for {
		n, err := file.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			m.handler.Transmit(tsNs, serializer.MessageTypeCaptureData, &payload.CaptureData{
				Token:  c.token,
				Offset: offset,
				Data:   chunk,
			})
			offset += uint64(n)
		}
		if err != nil {
			break
		}
	}

	m.handler.Transmit(tsNs, serializer.MessageTypeCaptureData, &payload.CaptureData{
		Token:     c.token,
		Offset:    offset,
		LastChunk: true,
	})

	log.Debugf("drained capture %s (%d bytes, %d events)", c.token, offset, c.job.NumEvents())
}
