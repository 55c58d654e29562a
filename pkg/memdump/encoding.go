// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package memdump

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/DataDog/secagent/pkg/security/model"
)

// Event frames are length-prefixed records with a fixed layout:
//
//	u32 frame length (bytes after this field)
//	u64 timestamp ns
//	u32 event type
//	u32 pid
//	u32 tid
//	u16 container id length, container id bytes
//	u32 params length, params bytes
//
// The layout is explicit because frames live in memory shared between the
// writer and concurrent readers.

const frameLenSize = 4

// ErrCorruptFrame is returned when a frame fails to decode.
var ErrCorruptFrame = errors.New("corrupt event frame")

func frameSize(ev *model.Event) int {
	return frameLenSize + 8 + 4 + 4 + 4 + 2 + len(ev.ContainerID) + 4 + len(ev.Params)
}

// EncodeEvent writes the event frame into buf, returning the bytes written.
func EncodeEvent(buf []byte, ev *model.Event) (int, error) {
	size := frameSize(ev)
	if size > len(buf) {
		return 0, errSegmentFull
	}

	binary.LittleEndian.PutUint32(buf[0:4], uint32(size-frameLenSize))
	off := frameLenSize
	binary.LittleEndian.PutUint64(buf[off:], ev.TimestampNs)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(ev.Type))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], ev.Pid)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], ev.Tid)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(ev.ContainerID)))
	off += 2
	copy(buf[off:], ev.ContainerID)
	off += len(ev.ContainerID)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(ev.Params)))
	off += 4
	copy(buf[off:], ev.Params)
	off += len(ev.Params)

	return off, nil
}

// DecodeEvent reads one frame from buf, returning the event and the bytes
// consumed. The returned event copies the variable-length fields so it does
// not alias the segment memory.
func DecodeEvent(buf []byte) (*model.Event, int, error) {
	if len(buf) < frameLenSize {
		return nil, 0, ErrCorruptFrame
	}
	frameLen := int(binary.LittleEndian.Uint32(buf[0:4]))
	if frameLen < 26 || frameLenSize+frameLen > len(buf) {
		return nil, 0, ErrCorruptFrame
	}

	off := frameLenSize
	ev := &model.Event{}
	ev.TimestampNs = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	ev.Type = model.EventType(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	ev.Pid = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	ev.Tid = binary.LittleEndian.Uint32(buf[off:])
	off += 4

	cidLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	if off+cidLen+4 > frameLenSize+frameLen {
		return nil, 0, ErrCorruptFrame
	}
	ev.ContainerID = string(buf[off : off+cidLen])
	off += cidLen

	paramsLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if off+paramsLen > frameLenSize+frameLen {
		return nil, 0, ErrCorruptFrame
	}
	if paramsLen > 0 {
		ev.Params = make([]byte, paramsLen)
		copy(ev.Params, buf[off:off+paramsLen])
	}
	off += paramsLen

	return ev, off, nil
}
