// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package model holds the event model shared by the capture ring and the
// policy engine.
package model

import "strconv"

// Event is a single kernel-observed occurrence. Events are immutable once
// produced by the source: the ring owns the serialized copy while buffered,
// the policy engine borrows the event during evaluation and capture jobs
// borrow the events they select.
type Event struct {
	// TimestampNs is the monotonic event timestamp in nanoseconds.
	TimestampNs uint64
	// Type is the event type tag.
	Type EventType
	// Pid and Tid identify the emitting process and thread.
	Pid uint32
	Tid uint32
	// ContainerID is empty for host processes.
	ContainerID string
	// Params is the opaque, source-defined parameter payload.
	Params []byte
}

// Field returns the value of a well-known event field, used by capture
// filters and rule output formatting. Returns false for unknown fields.
func (e *Event) Field(name string) (string, bool) {
	switch name {
	case "evt.type":
		return e.Type.String(), true
	case "container.id":
		return e.ContainerID, true
	case "proc.pid":
		return strconv.FormatUint(uint64(e.Pid), 10), true
	case "proc.tid":
		return strconv.FormatUint(uint64(e.Tid), 10), true
	case "evt.args":
		return string(e.Params), true
	}
	return "", false
}
