// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package serializer converts structured events into framed wire messages
// and hands them to the bounded transport queue.
package serializer

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"
	"sync/atomic"

	"github.com/DataDog/datadog-go/v5/statsd"
	proto "github.com/gogo/protobuf/proto"
	"github.com/pkg/errors"

	"github.com/DataDog/secagent/pkg/security/metrics"
	"github.com/DataDog/secagent/pkg/util/log"
)

// MessageType tags a frame with the payload kind.
type MessageType uint8

const (
	// MessageTypeNone is invalid on the wire.
	MessageTypeNone MessageType = iota
	// MessageTypeMetrics is a metrics sample.
	MessageTypeMetrics
	// MessageTypePolicyEvents is a policy event batch.
	MessageTypePolicyEvents
	// MessageTypeThrottledPolicyEvents is a throttled summary.
	MessageTypeThrottledPolicyEvents
	// MessageTypeCompResults is a compliance result batch.
	MessageTypeCompResults
	// MessageTypeCompEvents is a compliance event batch.
	MessageTypeCompEvents
	// MessageTypeCaptureData is a chunk of a drained capture file.
	MessageTypeCaptureData
	// MessageTypeDirtyShutdownReport is a crash report.
	MessageTypeDirtyShutdownReport
)

// protocolVersion is the frame header version.
const protocolVersion = 1

// headerLen is length(4) + version(1) + type(1).
const headerLen = 6

// CompressionMethod is negotiated once with the collector.
type CompressionMethod int

const (
	// CompressionNone disables body compression.
	CompressionNone CompressionMethod = iota
	// CompressionGzip gzips the frame body.
	CompressionGzip
)

// Handler serializes outgoing messages and enqueues them. Frames are owned
// by the queue after a successful Put.
type Handler struct {
	queue        Sink
	compression  CompressionMethod
	statsdClient statsd.ClientInterface

	discards atomic.Uint64
}

// NewHandler builds a Handler over the given queue.
func NewHandler(queue Sink, compressionEnabled bool, statsdClient statsd.ClientInterface) *Handler {
	compression := CompressionNone
	if compressionEnabled {
		compression = CompressionGzip
	}
	return &Handler{
		queue:        queue,
		compression:  compression,
		statsdClient: statsdClient,
	}
}

// MessageToFrame serializes and frames a message.
func MessageToFrame(tsNs uint64, mt MessageType, msg proto.Message, compression CompressionMethod) (*Frame, error) {
	body, err := proto.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "unable to serialize message")
	}

	if compression == CompressionGzip {
		var compressed bytes.Buffer
		zw := gzip.NewWriter(&compressed)
		if _, err := zw.Write(body); err != nil {
			return nil, errors.Wrap(err, "unable to compress message")
		}
		if err := zw.Close(); err != nil {
			return nil, errors.Wrap(err, "unable to compress message")
		}
		body = compressed.Bytes()
	}

	buf := make([]byte, headerLen+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(headerLen+len(body)))
	buf[4] = protocolVersion
	buf[5] = byte(mt)
	copy(buf[headerLen:], body)

	return &Frame{
		TimestampNs: tsNs,
		MessageType: mt,
		Buffer:      buf,
	}, nil
}

// DecodeFrame parses a framed buffer and unmarshals its body into msg. The
// compression method must match the one the frame was built with.
func DecodeFrame(buf []byte, msg proto.Message, compression CompressionMethod) (MessageType, error) {
	if len(buf) < headerLen {
		return MessageTypeNone, errors.New("frame shorter than header")
	}
	total := binary.BigEndian.Uint32(buf[0:4])
	if int(total) != len(buf) {
		return MessageTypeNone, errors.Errorf("frame length mismatch: header says %d, got %d", total, len(buf))
	}
	if buf[4] != protocolVersion {
		return MessageTypeNone, errors.Errorf("unsupported protocol version %d", buf[4])
	}
	mt := MessageType(buf[5])

	body := buf[headerLen:]
	if compression == CompressionGzip {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return mt, errors.Wrap(err, "unable to decompress frame")
		}
		defer zr.Close()
		if body, err = io.ReadAll(zr); err != nil {
			return mt, errors.Wrap(err, "unable to decompress frame")
		}
	}

	if err := proto.Unmarshal(body, msg); err != nil {
		return mt, errors.Wrap(err, "unable to deserialize frame body")
	}
	return mt, nil
}

func priorityForType(mt MessageType) Priority {
	switch mt {
	case MessageTypeMetrics, MessageTypePolicyEvents:
		return PriorityMedium
	case MessageTypeThrottledPolicyEvents, MessageTypeCompResults, MessageTypeCompEvents, MessageTypeCaptureData:
		return PriorityLow
	}
	return PriorityMedium
}

// Transmit frames the message and enqueues it at the priority fixed for its
// type. Drops are counted, never blocked on.
func (h *Handler) Transmit(tsNs uint64, mt MessageType, msg proto.Message) {
	frame, err := MessageToFrame(tsNs, mt, msg, h.compression)
	if err != nil {
		log.Errorf("unable to frame message type %d: %v", mt, err)
		return
	}

	if !h.queue.Put(frame, priorityForType(mt)) {
		h.discards.Add(1)
		if h.statsdClient != nil {
			_ = h.statsdClient.Count(metrics.MetricQueueDiscards, 1, []string{"message_type:" + mt.String()}, 1.0)
		}
		log.Infof("queue full, discarding message type %d", mt)
	}
}

// Discards returns the number of frames dropped on a full queue.
func (h *Handler) Discards() uint64 {
	return h.discards.Load()
}

func (mt MessageType) String() string {
	switch mt {
	case MessageTypeMetrics:
		return "metrics"
	case MessageTypePolicyEvents:
		return "policy_events"
	case MessageTypeThrottledPolicyEvents:
		return "throttled_policy_events"
	case MessageTypeCompResults:
		return "comp_results"
	case MessageTypeCompEvents:
		return "comp_events"
	case MessageTypeCaptureData:
		return "capture_data"
	case MessageTypeDirtyShutdownReport:
		return "dirty_shutdown_report"
	}
	return "none"
}
