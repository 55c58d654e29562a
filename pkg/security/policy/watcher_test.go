// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataDog/secagent/pkg/security/model"
)

func TestWatcherReloadsStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte("policies:\n  - id: 1\n    name: one\n"), 0o600))

	engine := newStubEngine()
	engine.setMask("one", model.ExecEventType)
	engine.setMask("two", model.ExecEventType)

	store := NewStore(engine)
	defs, err := LoadDefsFile(path)
	require.NoError(t, err)
	require.NoError(t, store.Load(defs))
	require.Equal(t, 1, store.Count())

	watcher, err := NewWatcher(path, store)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watcher.Run(ctx)

	require.NoError(t, os.WriteFile(path,
		[]byte("policies:\n  - id: 1\n    name: one\n  - id: 2\n    name: two\n"), 0o600))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if store.Count() == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 2, store.Count())

	// A broken file keeps the previous set.
	require.NoError(t, os.WriteFile(path, []byte("policies:\n  - id: 3\n"), 0o600))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, store.Count())
}
