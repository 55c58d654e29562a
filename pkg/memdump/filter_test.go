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

func TestCompileFilter(t *testing.T) {
	execEvent := &model.Event{Type: model.ExecEventType, ContainerID: "abc", Pid: 10}
	openEvent := &model.Event{Type: model.FileOpenEventType, ContainerID: "def", Pid: 11}

	entries := []struct {
		name     string
		expr     string
		ev       *model.Event
		expected bool
	}{
		{"empty matches all", "", execEvent, true},
		{"type match", "evt.type=exec", execEvent, true},
		{"type miss", "evt.type=exec", openEvent, false},
		{"negation", "evt.type!=exec", openEvent, true},
		{"conjunction", "evt.type=exec and container.id=abc", execEvent, true},
		{"conjunction miss", "evt.type=exec and container.id=def", execEvent, false},
		{"pid", "proc.pid=11", openEvent, true},
	}

	for _, entry := range entries {
		t.Run(entry.name, func(t *testing.T) {
			filter, err := CompileFilter(entry.expr)
			require.NoError(t, err)
			assert.Equal(t, entry.expected, filter(entry.ev))
		})
	}
}

func TestCompileFilterErrors(t *testing.T) {
	_, err := CompileFilter("evt.type")
	assert.Error(t, err)

	_, err = CompileFilter("no.such.field=1")
	assert.Error(t, err)
}
