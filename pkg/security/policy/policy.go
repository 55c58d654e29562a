// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package policy compiles policy descriptors and serves them to the engine,
// indexed by event type.
package policy

import (
	"time"

	"github.com/pkg/errors"

	"github.com/DataDog/secagent/pkg/proto/payload"
	"github.com/DataDog/secagent/pkg/security/model"
)

// ErrUnnamedPolicy is returned for a descriptor without a name.
var ErrUnnamedPolicy = errors.New("unnamed policy")

// ScopePredicateDef is the configuration form of a scope predicate.
type ScopePredicateDef struct {
	Key    string   `mapstructure:"key" yaml:"key"`
	Op     string   `mapstructure:"op" yaml:"op"`
	Values []string `mapstructure:"values" yaml:"values"`
}

// RuleFilterDef selects the rules a policy runs.
type RuleFilterDef struct {
	Name string   `mapstructure:"name" yaml:"name"`
	Tags []string `mapstructure:"tags" yaml:"tags"`
}

// CaptureActionDef is the configuration form of a capture action.
type CaptureActionDef struct {
	BeforeMs             uint64 `mapstructure:"before_ms" yaml:"before_ms"`
	AfterMs              uint64 `mapstructure:"after_ms" yaml:"after_ms"`
	Filter               string `mapstructure:"filter" yaml:"filter"`
	IsLimitedToContainer bool   `mapstructure:"is_limited_to_container" yaml:"is_limited_to_container"`
}

// ActionDef is the configuration form of a policy action.
type ActionDef struct {
	Type    string            `mapstructure:"type" yaml:"type"`
	Capture *CaptureActionDef `mapstructure:"capture" yaml:"capture"`
}

// Def is one policy descriptor as configured.
type Def struct {
	ID              uint64              `mapstructure:"id" yaml:"id"`
	Name            string              `mapstructure:"name" yaml:"name"`
	Enabled         *bool               `mapstructure:"enabled" yaml:"enabled"`
	HostScope       bool                `mapstructure:"host_scope" yaml:"host_scope"`
	ContainerScope  bool                `mapstructure:"container_scope" yaml:"container_scope"`
	ScopePredicates []ScopePredicateDef `mapstructure:"scope_predicates" yaml:"scope_predicates"`
	RuleFilter      RuleFilterDef       `mapstructure:"rule_filter" yaml:"rule_filter"`
	Actions         []ActionDef         `mapstructure:"actions" yaml:"actions"`
}

// CaptureAction is a compiled capture action.
type CaptureAction struct {
	BeforeNs             uint64
	AfterNs              uint64
	Filter               string
	IsLimitedToContainer bool
}

// Action is a compiled policy action.
type Action struct {
	Type    payload.ActionType
	Capture *CaptureAction
}

// Policy is a compiled policy. Immutable after compilation.
type Policy struct {
	ID             uint64
	Name           string
	Enabled        bool
	HostScope      bool
	ContainerScope bool

	ScopePredicates []*payload.ScopePredicate

	RuleNameFilter string
	RuleTags       []string

	Actions []Action

	// RulesetID identifies the rule selection of this policy inside the
	// rule engine.
	RulesetID int
	// EventTypes is the union of the event types of the enabled rules, used
	// to skip evaluation cheaply.
	EventTypes model.EventTypeMask
}

// HasActionType reports whether the policy carries an action of the given
// type.
func (p *Policy) HasActionType(t payload.ActionType) bool {
	for _, action := range p.Actions {
		if action.Type == t {
			return true
		}
	}
	return false
}

func compileAction(def ActionDef) (Action, error) {
	switch def.Type {
	case "capture":
		capture := def.Capture
		if capture == nil {
			capture = &CaptureActionDef{}
		}
		return Action{
			Type: payload.ActionCapture,
			Capture: &CaptureAction{
				BeforeNs:             capture.BeforeMs * uint64(time.Millisecond),
				AfterNs:              capture.AfterMs * uint64(time.Millisecond),
				Filter:               capture.Filter,
				IsLimitedToContainer: capture.IsLimitedToContainer,
			},
		}, nil
	case "pause":
		return Action{Type: payload.ActionPause}, nil
	case "stop":
		return Action{Type: payload.ActionStop}, nil
	}
	// Unknown action types still compile: the engine synthesizes a failed
	// action result for them instead of dropping the event.
	return Action{Type: payload.ActionUnspecified}, nil
}

// Compile builds a Policy from its descriptor and installs its rule
// selection in the engine.
func Compile(def Def, engine RuleEngine) (*Policy, error) {
	if def.Name == "" {
		return nil, ErrUnnamedPolicy
	}

	enabled := true
	if def.Enabled != nil {
		enabled = *def.Enabled
	}

	p := &Policy{
		ID:             def.ID,
		Name:           def.Name,
		Enabled:        enabled,
		HostScope:      def.HostScope,
		ContainerScope: def.ContainerScope,
		RuleNameFilter: def.RuleFilter.Name,
		RuleTags:       def.RuleFilter.Tags,
	}

	for _, pred := range def.ScopePredicates {
		p.ScopePredicates = append(p.ScopePredicates, &payload.ScopePredicate{
			Key:    pred.Key,
			Op:     pred.Op,
			Values: pred.Values,
		})
	}

	for _, actionDef := range def.Actions {
		action, err := compileAction(actionDef)
		if err != nil {
			return nil, errors.Wrapf(err, "policy `%s`", def.Name)
		}
		p.Actions = append(p.Actions, action)
	}

	// The ruleset named after the policy holds only the rules selected by
	// name and tags: disable everything first, then enable the selection.
	engine.EnableRule("*", false, p.Name)
	if p.RuleNameFilter != "" {
		engine.EnableRule(p.RuleNameFilter, true, p.Name)
	}
	if len(p.RuleTags) > 0 {
		engine.EnableRuleByTag(p.RuleTags, true, p.Name)
	}

	p.RulesetID = engine.FindRulesetID(p.Name)
	p.EventTypes = engine.EventTypesForRuleset(p.RulesetID)

	return p, nil
}
