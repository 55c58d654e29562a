// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package serializer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/secagent/pkg/proto/payload"
)

func samplePolicyEvent() *payload.PolicyEvent {
	return &payload.PolicyEvent{
		TimestampNs: 123456789,
		PolicyId:    7,
		ContainerId: "abc",
		RuleDetails: &payload.RuleDetails{
			Rule:   "suspicious shell",
			Output: "shell exec in container abc",
		},
		ActionResults: []*payload.ActionResult{
			{Type: payload.ActionCapture, Successful: true, Token: "tok-1"},
			{Type: payload.ActionPause, Successful: false, Errmsg: "no such container"},
		},
		EventsDropped: 3,
	}
}

func TestFrameRoundTrip(t *testing.T) {
	for _, compression := range []CompressionMethod{CompressionNone, CompressionGzip} {
		events := &payload.PolicyEvents{Events: []*payload.PolicyEvent{samplePolicyEvent()}}

		frame, err := MessageToFrame(1000, MessageTypePolicyEvents, events, compression)
		require.NoError(t, err)
		assert.EqualValues(t, 1000, frame.TimestampNs)

		var decoded payload.PolicyEvents
		mt, err := DecodeFrame(frame.Buffer, &decoded, compression)
		require.NoError(t, err)
		assert.Equal(t, MessageTypePolicyEvents, mt)
		require.Len(t, decoded.Events, 1)
		assert.Equal(t, events.Events[0].String(), decoded.Events[0].String())
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	var msg payload.PolicyEvents

	_, err := DecodeFrame([]byte{1, 2, 3}, &msg, CompressionNone)
	assert.Error(t, err)

	frame, err := MessageToFrame(0, MessageTypePolicyEvents, &payload.PolicyEvents{}, CompressionNone)
	require.NoError(t, err)

	truncated := frame.Buffer[:len(frame.Buffer)-1]
	if len(truncated) > headerLen {
		_, err = DecodeFrame(truncated, &msg, CompressionNone)
		assert.Error(t, err)
	}
}

func TestPriorityForType(t *testing.T) {
	assert.Equal(t, PriorityMedium, priorityForType(MessageTypeMetrics))
	assert.Equal(t, PriorityMedium, priorityForType(MessageTypePolicyEvents))
	assert.Equal(t, PriorityLow, priorityForType(MessageTypeThrottledPolicyEvents))
	assert.Equal(t, PriorityLow, priorityForType(MessageTypeCompResults))
	assert.Equal(t, PriorityLow, priorityForType(MessageTypeCaptureData))
}

func TestQueueBoundsAndOrder(t *testing.T) {
	q := NewQueue(1, 2, 1)

	assert.True(t, q.Put(&Frame{MessageType: MessageTypeCompResults}, PriorityLow))
	assert.False(t, q.Put(&Frame{MessageType: MessageTypeCompResults}, PriorityLow))

	assert.True(t, q.Put(&Frame{MessageType: MessageTypePolicyEvents}, PriorityMedium))
	assert.True(t, q.Put(&Frame{MessageType: MessageTypeMetrics}, PriorityMedium))
	assert.False(t, q.Put(&Frame{MessageType: MessageTypeMetrics}, PriorityMedium))

	// Higher priorities drain first.
	frame := q.Get(time.Millisecond)
	require.NotNil(t, frame)
	assert.Equal(t, MessageTypePolicyEvents, frame.MessageType)

	frame = q.Get(time.Millisecond)
	require.NotNil(t, frame)
	assert.Equal(t, MessageTypeMetrics, frame.MessageType)

	frame = q.Get(time.Millisecond)
	require.NotNil(t, frame)
	assert.Equal(t, MessageTypeCompResults, frame.MessageType)

	assert.Nil(t, q.Get(time.Millisecond))
}

func TestHandlerCountsDiscards(t *testing.T) {
	q := NewQueue(0, 0, 0)
	h := NewHandler(q, false, nil)

	h.Transmit(0, MessageTypePolicyEvents, &payload.PolicyEvents{})
	assert.EqualValues(t, 1, h.Discards())
}
