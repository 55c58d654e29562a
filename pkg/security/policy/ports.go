// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package policy

import (
	"github.com/DataDog/secagent/pkg/proto/payload"
	"github.com/DataDog/secagent/pkg/security/model"
)

// RuleMatch is the outcome of a successful condition evaluation.
type RuleMatch struct {
	// Rule is the name of the matching rule.
	Rule string
	// FormatTemplate is the rule output template, formatted against the
	// event by the caller.
	FormatTemplate string
}

// RuleEngine evaluates rule conditions over events. Implementations must be
// pure with respect to the event.
type RuleEngine interface {
	// EnableRule enables or disables the rules whose name matches the
	// pattern, within the named ruleset.
	EnableRule(pattern string, enabled bool, rulesetName string)
	// EnableRuleByTag enables or disables the rules whose tag set intersects
	// tags, within the named ruleset.
	EnableRuleByTag(tags []string, enabled bool, rulesetName string)
	// FindRulesetID resolves a ruleset name to its id, creating the ruleset
	// when needed.
	FindRulesetID(name string) int
	// EventTypesForRuleset returns the union of the event types of the
	// enabled rules of the ruleset.
	EventTypesForRuleset(id int) model.EventTypeMask
	// ProcessEvent evaluates the enabled rules of the ruleset against the
	// event. Returns nil on miss.
	ProcessEvent(ev *model.Event, rulesetID int) (*RuleMatch, error)
}

// InfraState answers scope questions about containers and the host.
type InfraState interface {
	// MatchScope reports whether the given container (possibly empty) and
	// host match the scope.
	MatchScope(containerID, hostID string, hostScope, containerScope bool, predicates []*payload.ScopePredicate) bool
	// RegisterScope records a scope for periodic re-evaluation.
	RegisterScope(regID string, hostScope, containerScope bool, predicates []*payload.ScopePredicate)
	// CheckRegisteredScope evaluates a previously registered scope.
	CheckRegisteredScope(regID string) bool
}
