// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package model

// EventType identifies the kind of a kernel event.
type EventType uint32

const (
	// UnknownEventType unknown event
	UnknownEventType EventType = iota
	// ExecEventType process exec event
	ExecEventType
	// ForkEventType process fork event
	ForkEventType
	// ExitEventType process exit event
	ExitEventType
	// FileOpenEventType file open event
	FileOpenEventType
	// FileUnlinkEventType file unlink event
	FileUnlinkEventType
	// FileRenameEventType file rename event
	FileRenameEventType
	// FileChmodEventType file chmod event
	FileChmodEventType
	// ConnectEventType socket connect event
	ConnectEventType
	// AcceptEventType socket accept event
	AcceptEventType
	// BindEventType socket bind event
	BindEventType
	// SetuidEventType setuid event
	SetuidEventType
	// PtraceEventType ptrace event
	PtraceEventType
	// MountEventType mount event
	MountEventType
	// MaxEventType bounds the event type space
	MaxEventType
)

func (t EventType) String() string {
	switch t {
	case ExecEventType:
		return "exec"
	case ForkEventType:
		return "fork"
	case ExitEventType:
		return "exit"
	case FileOpenEventType:
		return "open"
	case FileUnlinkEventType:
		return "unlink"
	case FileRenameEventType:
		return "rename"
	case FileChmodEventType:
		return "chmod"
	case ConnectEventType:
		return "connect"
	case AcceptEventType:
		return "accept"
	case BindEventType:
		return "bind"
	case SetuidEventType:
		return "setuid"
	case PtraceEventType:
		return "ptrace"
	case MountEventType:
		return "mount"
	}
	return "unknown"
}

// ParseEventType returns the event type with the given name, or
// UnknownEventType when the name is not part of the closed set.
func ParseEventType(name string) EventType {
	for t := ExecEventType; t < MaxEventType; t++ {
		if t.String() == name {
			return t
		}
	}
	return UnknownEventType
}

// EventTypeMask is a bitset over the event type space, used by policies to
// skip evaluation cheaply.
type EventTypeMask uint64

// Add sets the bit of the given event type.
func (m *EventTypeMask) Add(t EventType) {
	if t < MaxEventType {
		*m |= 1 << uint(t)
	}
}

// Has reports whether the bit of the given event type is set.
func (m EventTypeMask) Has(t EventType) bool {
	return m&(1<<uint(t)) != 0
}

// Union merges the other mask into m.
func (m *EventTypeMask) Union(other EventTypeMask) {
	*m |= other
}

// EventTypes returns the event types present in the mask.
func (m EventTypeMask) EventTypes() []EventType {
	var types []EventType
	for t := ExecEventType; t < MaxEventType; t++ {
		if m.Has(t) {
			types = append(types, t)
		}
	}
	return types
}
