// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package rules implements the rule engine port over sigma detection rules.
package rules

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/gobwas/glob"
	"github.com/pkg/errors"

	"github.com/DataDog/secagent/pkg/security/model"
	"github.com/DataDog/secagent/pkg/security/policy"
	"github.com/DataDog/secagent/pkg/util/log"
)

type rule struct {
	name       string
	tags       []string
	eventTypes model.EventTypeMask
	output     string
	evaluator  *evaluator.RuleEvaluator
}

type ruleset struct {
	name    string
	enabled []bool
}

// SigmaEngine evaluates sigma rules against events. It implements
// policy.RuleEngine: each policy selects its rules into a named ruleset.
type SigmaEngine struct {
	mu sync.Mutex

	rules      []*rule
	rulesets   []*ruleset
	rulesetIDs map[string]int
}

var _ policy.RuleEngine = (*SigmaEngine)(nil)

// NewSigmaEngine returns an empty engine. Rules must be added before
// policies are compiled.
func NewSigmaEngine() *SigmaEngine {
	return &SigmaEngine{
		rulesetIDs: make(map[string]int),
	}
}

func fieldMappings() sigma.Config {
	return sigma.Config{
		Title: "secagent event fields",
		FieldMappings: map[string]sigma.FieldMapping{
			"EventType":   {TargetNames: []string{"evt.type"}},
			"ContainerId": {TargetNames: []string{"container.id"}},
			"ProcessId":   {TargetNames: []string{"proc.pid"}},
			"ThreadId":    {TargetNames: []string{"proc.tid"}},
			"Args":        {TargetNames: []string{"evt.args"}},
		},
	}
}

// AddRule parses one sigma rule document and registers it. The rule
// declares the event types it applies to in an `event_types` list; a rule
// without one never matches and is rejected.
func (e *SigmaEngine) AddRule(contents []byte) error {
	parsed, err := sigma.ParseRule(contents)
	if err != nil {
		return errors.Wrap(err, "unable to parse rule")
	}

	name := parsed.Title
	if name == "" {
		name = parsed.ID
	}
	if name == "" {
		return errors.New("rule without a title")
	}

	var mask model.EventTypeMask
	rawTypes, ok := parsed.AdditionalFields["event_types"].([]interface{})
	if !ok {
		return errors.Errorf("rule `%s` declares no event_types", name)
	}
	for _, rawType := range rawTypes {
		typeName, ok := rawType.(string)
		if !ok {
			continue
		}
		t := model.ParseEventType(typeName)
		if t == model.UnknownEventType {
			return errors.Errorf("rule `%s` references unknown event type `%s`", name, typeName)
		}
		mask.Add(t)
	}
	if mask == 0 {
		return errors.Errorf("rule `%s` declares no event_types", name)
	}

	output, _ := parsed.AdditionalFields["output"].(string)
	if output == "" {
		output = parsed.Description
	}
	if output == "" {
		output = name
	}

	ruleEvaluator := evaluator.ForRule(parsed,
		evaluator.WithConfig(fieldMappings()),
		evaluator.WithPlaceholderExpander(func(_ context.Context, _ string) ([]string, error) {
			return nil, nil
		}))

	e.mu.Lock()
	defer e.mu.Unlock()

	e.rules = append(e.rules, &rule{
		name:       name,
		tags:       parsed.Tags,
		eventTypes: mask,
		output:     output,
		evaluator:  ruleEvaluator,
	})

	// Existing rulesets grow with a disabled slot for the new rule.
	for _, set := range e.rulesets {
		set.enabled = append(set.enabled, false)
	}

	return nil
}

// LoadDir adds every .yml/.yaml rule file found under dir.
func (e *SigmaEngine) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "unable to read rules directory `%s`", dir)
	}

	var count int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		contents, err := os.ReadFile(path)
		if err != nil {
			log.Warnf("unable to read rule file `%s`: %v", path, err)
			continue
		}
		if err := e.AddRule(contents); err != nil {
			log.Warnf("unable to load rule file `%s`: %v", path, err)
			continue
		}
		count++
	}

	log.Infof("loaded %d sigma rules from `%s`", count, dir)
	return nil
}

func (e *SigmaEngine) ruleset(name string) *ruleset {
	if id, ok := e.rulesetIDs[name]; ok {
		return e.rulesets[id]
	}
	set := &ruleset{
		name:    name,
		enabled: make([]bool, len(e.rules)),
	}
	e.rulesetIDs[name] = len(e.rulesets)
	e.rulesets = append(e.rulesets, set)
	return set
}

// EnableRule enables or disables the rules matching the glob pattern in the
// named ruleset.
func (e *SigmaEngine) EnableRule(pattern string, enabled bool, rulesetName string) {
	matcher, err := glob.Compile(pattern)
	if err != nil {
		log.Warnf("invalid rule pattern `%s`: %v", pattern, err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	set := e.ruleset(rulesetName)
	for i, r := range e.rules {
		if matcher.Match(r.name) {
			set.enabled[i] = enabled
		}
	}
}

// EnableRuleByTag enables or disables the rules whose tags intersect the
// given set, in the named ruleset.
func (e *SigmaEngine) EnableRuleByTag(tags []string, enabled bool, rulesetName string) {
	if len(tags) == 0 {
		return
	}
	wanted := make(map[string]bool, len(tags))
	for _, tag := range tags {
		wanted[tag] = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	set := e.ruleset(rulesetName)
	for i, r := range e.rules {
		for _, tag := range r.tags {
			if wanted[tag] {
				set.enabled[i] = enabled
				break
			}
		}
	}
}

// FindRulesetID resolves a ruleset name, creating the ruleset when needed.
func (e *SigmaEngine) FindRulesetID(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ruleset(name)
	return e.rulesetIDs[name]
}

// EventTypesForRuleset returns the union of the event types of the enabled
// rules.
func (e *SigmaEngine) EventTypesForRuleset(id int) model.EventTypeMask {
	e.mu.Lock()
	defer e.mu.Unlock()

	var mask model.EventTypeMask
	if id < 0 || id >= len(e.rulesets) {
		return mask
	}
	set := e.rulesets[id]
	for i, r := range e.rules {
		if set.enabled[i] {
			mask.Union(r.eventTypes)
		}
	}
	return mask
}

func eventFields(ev *model.Event) map[string]interface{} {
	return map[string]interface{}{
		"evt.type":     ev.Type.String(),
		"container.id": ev.ContainerID,
		"proc.pid":     int(ev.Pid),
		"proc.tid":     int(ev.Tid),
		"evt.args":     string(ev.Params),
	}
}

// ProcessEvent evaluates the enabled rules of the ruleset against the event
// in registration order. Returns nil on miss.
func (e *SigmaEngine) ProcessEvent(ev *model.Event, rulesetID int) (*policy.RuleMatch, error) {
	e.mu.Lock()
	if rulesetID < 0 || rulesetID >= len(e.rulesets) {
		e.mu.Unlock()
		return nil, errors.Errorf("unknown ruleset id %d", rulesetID)
	}
	set := e.rulesets[rulesetID]

	var candidates []*rule
	for i, r := range e.rules {
		if set.enabled[i] && r.eventTypes.Has(ev.Type) {
			candidates = append(candidates, r)
		}
	}
	e.mu.Unlock()

	fields := eventFields(ev)
	for _, r := range candidates {
		result, err := r.evaluator.Matches(context.Background(), fields)
		if err != nil {
			return nil, errors.Wrapf(err, "error evaluating rule `%s`", r.name)
		}
		if result.Match {
			return &policy.RuleMatch{
				Rule:           r.name,
				FormatTemplate: r.output,
			}, nil
		}
	}

	return nil, nil
}
