// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package manager

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/DataDog/secagent/pkg/containerctl"
	"github.com/DataDog/secagent/pkg/proto/payload"
	"github.com/DataDog/secagent/pkg/security/model"
	"github.com/DataDog/secagent/pkg/security/policy"
	"github.com/DataDog/secagent/pkg/util/log"
)

// performActions allocates the action state and dispatches every action of
// the matched policy. The ActionResult slots are pre-allocated in action
// order; asynchronous completions only stamp their slot.
func (m *Manager) performActions(ev *model.Event, p *policy.Policy, event *payload.PolicyEvent) {
	m.mu.Lock()
	handle := m.nextHandle
	m.nextHandle++
	state := &actionsState{
		event:       event,
		outstanding: len(p.Actions),
		createdNs:   ev.TimestampNs,
	}
	// Every result slot is allocated before the first dispatch: callbacks
	// stamp their slot by index and must never resize the list.
	for _, action := range p.Actions {
		event.ActionResults = append(event.ActionResults, &payload.ActionResult{Type: action.Type, Successful: true})
	}
	m.actionStates[handle] = state
	m.mu.Unlock()

	for i, action := range p.Actions {
		result := event.ActionResults[i]

		switch action.Type {
		case payload.ActionCapture:
			token := uuid.New().String()
			result.Token = token

			if err := m.startCapture(ev, p, action.Capture, token); err != nil {
				result.Successful = false
				result.Errmsg = err.Error()
			} else {
				// At least one capture started: the policy event must be
				// offered for emission immediately, not on the next batch.
				m.setSendNow(handle)
			}
			m.noteActionComplete(handle)
			log.Debugf("capture action result: %s", result.String())

		case payload.ActionPause, payload.ActionStop:
			kind := containerctl.CmdPause
			if action.Type == payload.ActionStop {
				kind = containerctl.CmdStop
			}

			slot := i
			m.coclient.Cmd(kind, ev.ContainerID, func(rpcOK bool, res *containerctl.CmdResult) {
				m.stampActionResult(handle, slot, rpcOK, res)
			})

		default:
			errstr := fmt.Sprintf("policy action %s not implemented yet", action.Type)
			result.Successful = false
			result.Errmsg = errstr
			m.noteActionComplete(handle)
			log.Debug(errstr)
		}
	}
}

func (m *Manager) setSendNow(handle uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.actionStates[handle]; ok {
		state.sendNow = true
	}
}

func (m *Manager) noteActionComplete(handle uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.actionStates[handle]; ok {
		state.outstanding--
	}
}

// stampActionResult records an asynchronous container command outcome. A
// handle that is no longer present belongs to a retired engine or an
// already emitted event; the completion is silently ignored.
func (m *Manager) stampActionResult(handle uint64, slot int, rpcOK bool, res *containerctl.CmdResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.actionStates[handle]
	if !ok {
		return
	}
	if slot >= len(state.event.ActionResults) {
		return
	}

	result := state.event.ActionResults[slot]
	switch {
	case !rpcOK:
		result.Successful = false
		result.Errmsg = "RPC not successful"
	case !res.Successful:
		result.Successful = false
		result.Errmsg = "could not perform container command: " + res.Errstr
	}

	state.outstanding--
	log.Debugf("container command action result: %s", result.String())
}
