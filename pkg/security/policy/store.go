// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package policy

import (
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/DataDog/secagent/pkg/security/model"
	"github.com/DataDog/secagent/pkg/util/log"
)

// Store holds the compiled policies and their event-type index. Reloads are
// atomic: the engine either sees the previous set or the new one, never a
// half-installed mix.
type Store struct {
	mu sync.RWMutex

	engine RuleEngine

	byID        map[uint64]*Policy
	byEventType [model.MaxEventType][]*Policy
}

// NewStore builds an empty store over the given rule engine.
func NewStore(engine RuleEngine) *Store {
	return &Store{
		engine: engine,
		byID:   make(map[uint64]*Policy),
	}
}

// Load compiles the descriptors and swaps the tables. On error the previous
// tables are kept.
func (s *Store) Load(defs []Def) error {
	byID := make(map[uint64]*Policy, len(defs))
	var byEventType [model.MaxEventType][]*Policy

	var mErr *multierror.Error
	for _, def := range defs {
		p, err := Compile(def, s.engine)
		if err != nil {
			mErr = multierror.Append(mErr, errors.Wrapf(err, "unable to compile policy `%s`", def.Name))
			continue
		}

		if _, exists := byID[p.ID]; exists {
			mErr = multierror.Append(mErr, errors.Errorf("duplicate policy id %d (`%s`)", p.ID, p.Name))
			continue
		}
		byID[p.ID] = p

		// Buckets keep configuration order: a match short-circuits, so the
		// order is observable.
		for _, t := range p.EventTypes.EventTypes() {
			byEventType[t] = append(byEventType[t], p)
		}
	}

	if err := mErr.ErrorOrNil(); err != nil {
		return err
	}

	s.mu.Lock()
	s.byID = byID
	s.byEventType = byEventType
	s.mu.Unlock()

	log.Infof("loaded %d security policies", len(byID))
	return nil
}

// PoliciesForEventType returns the policies whose event type mask covers t,
// in configuration order.
func (s *Store) PoliciesForEventType(t model.EventType) []*Policy {
	if t >= model.MaxEventType {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byEventType[t]
}

// PolicyByID returns the policy with the given id, or nil.
func (s *Store) PolicyByID(id uint64) *Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id]
}

// Count returns the number of loaded policies.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

type policiesFile struct {
	Policies []map[string]interface{} `yaml:"policies"`
}

// LoadDefsFile parses a policies YAML file into descriptors.
func LoadDefsFile(path string) ([]Def, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read policies file `%s`", path)
	}

	var file policiesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(err, "unable to parse policies file `%s`", path)
	}

	defs := make([]Def, 0, len(file.Policies))
	for _, raw := range file.Policies {
		var def Def
		if err := mapstructure.Decode(raw, &def); err != nil {
			return nil, errors.Wrapf(err, "invalid policy definition in `%s`", path)
		}
		if def.Name == "" {
			return nil, ErrUnnamedPolicy
		}
		defs = append(defs, def)
	}

	return defs, nil
}
