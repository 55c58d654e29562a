// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package events

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerBurstThenSuppress(t *testing.T) {
	clk := clock.NewMock()
	ledger, err := NewLedger(1, 5, clk)
	require.NoError(t, err)

	accepted := 0
	for i := 0; i < 100; i++ {
		if ledger.Accept(42) {
			accepted++
		}
	}

	assert.Equal(t, 5, accepted)
	assert.EqualValues(t, 95, ledger.SuppressedCount())
}

func TestLedgerPerPolicyBuckets(t *testing.T) {
	clk := clock.NewMock()
	ledger, err := NewLedger(1, 1, clk)
	require.NoError(t, err)

	assert.True(t, ledger.Accept(1))
	assert.True(t, ledger.Accept(2))
	assert.False(t, ledger.Accept(1))
	assert.False(t, ledger.Accept(2))
}

func TestLedgerRefill(t *testing.T) {
	clk := clock.NewMock()
	ledger, err := NewLedger(1, 1, clk)
	require.NoError(t, err)

	require.True(t, ledger.Accept(1))
	require.False(t, ledger.Accept(1))

	clk.Add(time.Second)
	assert.True(t, ledger.Accept(1))
}

func TestLedgerFlushReport(t *testing.T) {
	clk := clock.NewMock()
	ledger, err := NewLedger(1, 1, clk)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		ledger.Accept(7)
	}
	ledger.Accept(8)
	ledger.Accept(8)

	report := ledger.FlushReport(12345)
	require.NotNil(t, report)
	assert.EqualValues(t, 4, report.TotalCount)
	require.Len(t, report.Events, 2)

	counts := map[uint64]uint64{}
	for _, ev := range report.Events {
		assert.EqualValues(t, 12345, ev.TimestampNs)
		counts[ev.PolicyId] = ev.Count
	}
	assert.EqualValues(t, 3, counts[7])
	assert.EqualValues(t, 1, counts[8])

	// Counters reset on flush.
	assert.Nil(t, ledger.FlushReport(12346))
	assert.EqualValues(t, 0, ledger.SuppressedCount())
}
