// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package infra tracks container and host attributes and answers the scope
// questions of policies and compliance tasks.
package infra

import (
	"os"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/DataDog/secagent/pkg/proto/payload"
	"github.com/DataDog/secagent/pkg/security/policy"
	"github.com/DataDog/secagent/pkg/util/log"
)

// ContainerInfo describes one running container.
type ContainerInfo struct {
	ID     string
	Name   string
	Image  string
	Labels map[string]string
}

type registeredScope struct {
	hostScope      bool
	containerScope bool
	predicates     []*payload.ScopePredicate
}

// State is an in-memory infrastructure state. Containers are registered by
// the container runtime watcher; scope registrations are re-evaluated as
// containers come and go.
type State struct {
	mu sync.RWMutex

	hostID     string
	hostname   string
	containers map[string]*ContainerInfo
	scopes     map[string]*registeredScope
}

var _ policy.InfraState = (*State)(nil)

// NewState builds a state for this host. When hostID is empty the machine
// id reported by the OS is used.
func NewState(hostID string) *State {
	if hostID == "" {
		id, err := host.HostID()
		if err != nil {
			log.Warnf("unable to read host id: %v", err)
		}
		hostID = id
	}
	hostname, _ := os.Hostname()

	return &State{
		hostID:     hostID,
		hostname:   hostname,
		containers: make(map[string]*ContainerInfo),
		scopes:     make(map[string]*registeredScope),
	}
}

// HostID returns the host identifier.
func (s *State) HostID() string {
	return s.hostID
}

// AddContainer registers a running container.
func (s *State) AddContainer(info *ContainerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containers[info.ID] = info
}

// RemoveContainer forgets a container.
func (s *State) RemoveContainer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.containers, id)
}

func (s *State) containerAttribute(info *ContainerInfo, key string) (string, bool) {
	switch {
	case key == "container.id":
		return info.ID, true
	case key == "container.name":
		return info.Name, true
	case key == "container.image":
		return info.Image, true
	case strings.HasPrefix(key, "container.label."):
		value, ok := info.Labels[strings.TrimPrefix(key, "container.label.")]
		return value, ok
	}
	return "", false
}

func (s *State) hostAttribute(key string) (string, bool) {
	switch key {
	case "host.id":
		return s.hostID, true
	case "host.hostname":
		return s.hostname, true
	}
	return "", false
}

func matchPredicate(value string, ok bool, pred *payload.ScopePredicate) bool {
	contains := func() bool {
		for _, v := range pred.Values {
			if v == value {
				return true
			}
		}
		return false
	}

	switch pred.Op {
	case "in", "equals", "=":
		return ok && contains()
	case "not_in", "not_equals", "!=":
		return !ok || !contains()
	case "contains":
		return ok && len(pred.Values) > 0 && strings.Contains(value, pred.Values[0])
	case "starts_with":
		return ok && len(pred.Values) > 0 && strings.HasPrefix(value, pred.Values[0])
	}

	log.Warnf("unknown scope predicate op `%s`", pred.Op)
	return false
}

func (s *State) matchContainer(info *ContainerInfo, predicates []*payload.ScopePredicate) bool {
	for _, pred := range predicates {
		var value string
		var ok bool
		if strings.HasPrefix(pred.Key, "host.") {
			value, ok = s.hostAttribute(pred.Key)
		} else {
			value, ok = s.containerAttribute(info, pred.Key)
		}
		if !matchPredicate(value, ok, pred) {
			return false
		}
	}
	return true
}

func (s *State) matchHost(predicates []*payload.ScopePredicate) bool {
	for _, pred := range predicates {
		value, ok := s.hostAttribute(pred.Key)
		if !matchPredicate(value, ok, pred) {
			return false
		}
	}
	return true
}

// MatchScope reports whether the given container (empty for a host process)
// and host match the scope. All predicates must hold.
func (s *State) MatchScope(containerID, hostID string, hostScope, containerScope bool, predicates []*payload.ScopePredicate) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if hostID != "" && hostID != s.hostID {
		return false
	}

	if containerID == "" {
		return hostScope && s.matchHost(predicates)
	}

	if !containerScope {
		return false
	}

	info, ok := s.containers[containerID]
	if !ok {
		// Containers can outrun the runtime watcher: an unknown container
		// matches only predicate-free scopes.
		return len(predicates) == 0
	}
	return s.matchContainer(info, predicates)
}

// RegisterScope records a scope for later re-evaluation.
func (s *State) RegisterScope(regID string, hostScope, containerScope bool, predicates []*payload.ScopePredicate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes[regID] = &registeredScope{
		hostScope:      hostScope,
		containerScope: containerScope,
		predicates:     predicates,
	}
}

// CheckRegisteredScope evaluates a previously registered scope against the
// current infrastructure: true when the host matches or any running
// container matches.
func (s *State) CheckRegisteredScope(regID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scope, ok := s.scopes[regID]
	if !ok {
		return false
	}

	if scope.hostScope && s.matchHost(scope.predicates) {
		return true
	}
	if scope.containerScope {
		for _, info := range s.containers {
			if s.matchContainer(info, scope.predicates) {
				return true
			}
		}
	}
	return false
}
