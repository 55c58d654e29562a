// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package memdump

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/secagent/pkg/security/model"
)

func TestEventFrameRoundTrip(t *testing.T) {
	ev := &model.Event{
		TimestampNs: 1234567890,
		Type:        model.ExecEventType,
		Pid:         42,
		Tid:         43,
		ContainerID: "abcdef123456",
		Params:      []byte("/usr/bin/curl http://example.com"),
	}

	buf := make([]byte, 256)
	n, err := EncodeEvent(buf, ev)
	require.NoError(t, err)

	decoded, consumed, err := DecodeEvent(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, n, consumed)
	assert.Equal(t, ev, decoded)
}

func TestEncodeEventNoRoom(t *testing.T) {
	ev := &model.Event{Type: model.ExecEventType, Params: []byte("some args")}

	buf := make([]byte, 8)
	_, err := EncodeEvent(buf, ev)
	assert.ErrorIs(t, err, errSegmentFull)
}

func TestDecodeEventCorrupt(t *testing.T) {
	_, _, err := DecodeEvent([]byte{1, 2})
	assert.ErrorIs(t, err, ErrCorruptFrame)

	// A length that overruns the buffer.
	buf := make([]byte, 16)
	buf[0] = 0xff
	buf[1] = 0xff
	_, _, err = DecodeEvent(buf)
	assert.ErrorIs(t, err, ErrCorruptFrame)
}
