// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package metrics holds the statsd metric names of the security agent.
package metrics

const (
	// MetricPolicyDisabled count of events skipped because the matching
	// policy was disabled
	MetricPolicyDisabled = "datadog.secagent.policy.disabled"
	// MetricScopeMiss count of events whose policy scope did not match
	MetricScopeMiss = "datadog.secagent.policy.scope_miss"
	// MetricRuleMiss count of events that matched no rule condition
	MetricRuleMiss = "datadog.secagent.policy.rule_miss"
	// MetricRuleMatch count of policy matches
	MetricRuleMatch = "datadog.secagent.policy.matched"
	// MetricPolicyEventsAccepted count of policy events forwarded
	MetricPolicyEventsAccepted = "datadog.secagent.policy.events_accepted"
	// MetricPolicyEventsThrottled count of policy events suppressed by the
	// throttle ledger
	MetricPolicyEventsThrottled = "datadog.secagent.policy.events_throttled"

	// MetricMemdumpMissedEvents count of events dropped while a rotation was
	// stalled behind an active reader
	MetricMemdumpMissedEvents = "datadog.secagent.memdump.missed_events"
	// MetricMemdumpRotations count of ring rotations
	MetricMemdumpRotations = "datadog.secagent.memdump.rotations"
	// MetricMemdumpAutodisabled gauge set to 1 while the dumper is disabled
	// by the autodisable check
	MetricMemdumpAutodisabled = "datadog.secagent.memdump.autodisabled"
	// MetricMemdumpJobs count of capture jobs started
	MetricMemdumpJobs = "datadog.secagent.memdump.jobs"

	// MetricQueueDiscards count of frames dropped because the transport
	// queue was full
	MetricQueueDiscards = "datadog.secagent.queue.discards"

	// MetricComplianceTaskErrors count of compliance task init failures
	MetricComplianceTaskErrors = "datadog.secagent.compliance.task_errors"
	// MetricComplianceResults count of compliance results forwarded
	MetricComplianceResults = "datadog.secagent.compliance.results"

	// MetricEventsProcessed count of events drained from the source
	MetricEventsProcessed = "datadog.secagent.events.processed"
	// MetricEventsDropped count of malformed events dropped at the source
	MetricEventsDropped = "datadog.secagent.events.dropped"
)
