// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package infra

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/DataDog/secagent/pkg/proto/payload"
)

func newTestState() *State {
	s := NewState("host-1")
	s.AddContainer(&ContainerInfo{
		ID:    "abc",
		Name:  "web",
		Image: "nginx:latest",
		Labels: map[string]string{
			"env":  "prod",
			"team": "frontend",
		},
	})
	return s
}

func pred(key, op string, values ...string) *payload.ScopePredicate {
	return &payload.ScopePredicate{Key: key, Op: op, Values: values}
}

func TestMatchScopeContainer(t *testing.T) {
	s := newTestState()

	entries := []struct {
		name       string
		container  string
		hostScope  bool
		contScope  bool
		predicates []*payload.ScopePredicate
		expected   bool
	}{
		{"container scope no predicates", "abc", false, true, nil, true},
		{"host-only policy skips containers", "abc", true, false, nil, false},
		{"host process with host scope", "", true, false, nil, true},
		{"host process without host scope", "", false, true, nil, false},
		{"label in", "abc", false, true, []*payload.ScopePredicate{pred("container.label.env", "in", "prod", "staging")}, true},
		{"label not in", "abc", false, true, []*payload.ScopePredicate{pred("container.label.env", "not_in", "prod")}, false},
		{"image contains", "abc", false, true, []*payload.ScopePredicate{pred("container.image", "contains", "nginx")}, true},
		{"name starts_with", "abc", false, true, []*payload.ScopePredicate{pred("container.name", "starts_with", "db")}, false},
		{"all predicates must hold", "abc", false, true, []*payload.ScopePredicate{
			pred("container.label.env", "in", "prod"),
			pred("container.label.team", "in", "backend"),
		}, false},
		{"unknown container empty predicates", "zzz", false, true, nil, true},
		{"unknown container with predicates", "zzz", false, true, []*payload.ScopePredicate{pred("container.label.env", "in", "prod")}, false},
	}

	for _, entry := range entries {
		t.Run(entry.name, func(t *testing.T) {
			got := s.MatchScope(entry.container, "host-1", entry.hostScope, entry.contScope, entry.predicates)
			assert.Equal(t, entry.expected, got)
		})
	}
}

func TestMatchScopeWrongHost(t *testing.T) {
	s := newTestState()
	assert.False(t, s.MatchScope("", "other-host", true, true, nil))
}

func TestRegisteredScopes(t *testing.T) {
	s := newTestState()

	s.RegisterScope("task:web", true, true, []*payload.ScopePredicate{pred("container.label.env", "in", "prod")})
	assert.True(t, s.CheckRegisteredScope("task:web"))

	s.RemoveContainer("abc")
	// Host scope matches predicate-free checks only; the env label predicate
	// cannot hold on the host.
	assert.False(t, s.CheckRegisteredScope("task:web"))

	s.RegisterScope("task:any", true, true, nil)
	assert.True(t, s.CheckRegisteredScope("task:any"))

	assert.False(t, s.CheckRegisteredScope("task:unknown"))
}
