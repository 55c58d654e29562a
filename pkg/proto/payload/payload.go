// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package payload holds the wire messages exchanged with the collector and
// the compliance module. The messages are hand-maintained gogo/protobuf
// types; the field tags are the wire contract and must not be renumbered.
package payload

import (
	proto "github.com/gogo/protobuf/proto"
)

// ActionType is the kind of a policy action.
type ActionType int32

const (
	// ActionUnspecified is the zero value and never appears on the wire.
	ActionUnspecified ActionType = 0
	// ActionCapture triggers a retrospective capture job.
	ActionCapture ActionType = 1
	// ActionPause pauses the offending container.
	ActionPause ActionType = 2
	// ActionStop stops the offending container.
	ActionStop ActionType = 3
)

var actionTypeName = map[int32]string{
	0: "ACTION_UNSPECIFIED",
	1: "ACTION_CAPTURE",
	2: "ACTION_PAUSE",
	3: "ACTION_STOP",
}

func (t ActionType) String() string {
	if s, ok := actionTypeName[int32(t)]; ok {
		return s
	}
	return "ACTION_UNKNOWN"
}

// ActionResult reports the outcome of one policy action.
type ActionResult struct {
	Type       ActionType `protobuf:"varint,1,opt,name=type,proto3,enum=secagent.ActionType" json:"type,omitempty"`
	Successful bool       `protobuf:"varint,2,opt,name=successful,proto3" json:"successful,omitempty"`
	Errmsg     string     `protobuf:"bytes,3,opt,name=errmsg,proto3" json:"errmsg,omitempty"`
	Token      string     `protobuf:"bytes,4,opt,name=token,proto3" json:"token,omitempty"`
}

func (m *ActionResult) Reset()         { *m = ActionResult{} }
func (m *ActionResult) String() string { return proto.CompactTextString(m) }
func (*ActionResult) ProtoMessage()    {}

// RuleDetails carries the rule name and formatted output of a condition
// based match.
type RuleDetails struct {
	Rule   string `protobuf:"bytes,1,opt,name=rule,proto3" json:"rule,omitempty"`
	Output string `protobuf:"bytes,2,opt,name=output,proto3" json:"output,omitempty"`
}

func (m *RuleDetails) Reset()         { *m = RuleDetails{} }
func (m *RuleDetails) String() string { return proto.CompactTextString(m) }
func (*RuleDetails) ProtoMessage()    {}

// PolicyEvent describes one policy match and its action outcomes.
type PolicyEvent struct {
	TimestampNs   uint64          `protobuf:"varint,1,opt,name=timestamp_ns,json=timestampNs,proto3" json:"timestamp_ns,omitempty"`
	PolicyId      uint64          `protobuf:"varint,2,opt,name=policy_id,json=policyId,proto3" json:"policy_id,omitempty"`
	ContainerId   string          `protobuf:"bytes,3,opt,name=container_id,json=containerId,proto3" json:"container_id,omitempty"`
	RuleDetails   *RuleDetails    `protobuf:"bytes,4,opt,name=rule_details,json=ruleDetails,proto3" json:"rule_details,omitempty"`
	ActionResults []*ActionResult `protobuf:"bytes,5,rep,name=action_results,json=actionResults,proto3" json:"action_results,omitempty"`
	EventsDropped uint64          `protobuf:"varint,6,opt,name=events_dropped,json=eventsDropped,proto3" json:"events_dropped,omitempty"`
}

func (m *PolicyEvent) Reset()         { *m = PolicyEvent{} }
func (m *PolicyEvent) String() string { return proto.CompactTextString(m) }
func (*PolicyEvent) ProtoMessage()    {}

// PolicyEvents is the batch flushed to the collector on each control tick.
type PolicyEvents struct {
	Events []*PolicyEvent `protobuf:"bytes,1,rep,name=events,proto3" json:"events,omitempty"`
}

func (m *PolicyEvents) Reset()         { *m = PolicyEvents{} }
func (m *PolicyEvents) String() string { return proto.CompactTextString(m) }
func (*PolicyEvents) ProtoMessage()    {}

// ThrottledPolicyEvent summarizes the suppressed matches of one policy.
type ThrottledPolicyEvent struct {
	TimestampNs uint64 `protobuf:"varint,1,opt,name=timestamp_ns,json=timestampNs,proto3" json:"timestamp_ns,omitempty"`
	PolicyId    uint64 `protobuf:"varint,2,opt,name=policy_id,json=policyId,proto3" json:"policy_id,omitempty"`
	Count       uint64 `protobuf:"varint,3,opt,name=count,proto3" json:"count,omitempty"`
}

func (m *ThrottledPolicyEvent) Reset()         { *m = ThrottledPolicyEvent{} }
func (m *ThrottledPolicyEvent) String() string { return proto.CompactTextString(m) }
func (*ThrottledPolicyEvent) ProtoMessage()    {}

// ThrottledPolicyEvents is the periodic throttling summary.
type ThrottledPolicyEvents struct {
	Events     []*ThrottledPolicyEvent `protobuf:"bytes,1,rep,name=events,proto3" json:"events,omitempty"`
	TotalCount uint64                  `protobuf:"varint,2,opt,name=total_count,json=totalCount,proto3" json:"total_count,omitempty"`
}

func (m *ThrottledPolicyEvents) Reset()         { *m = ThrottledPolicyEvents{} }
func (m *ThrottledPolicyEvents) String() string { return proto.CompactTextString(m) }
func (*ThrottledPolicyEvents) ProtoMessage()    {}

// ScopePredicate is one label predicate of a policy or compliance task scope.
type ScopePredicate struct {
	Key    string   `protobuf:"bytes,1,opt,name=key,proto3" json:"key,omitempty"`
	Op     string   `protobuf:"bytes,2,opt,name=op,proto3" json:"op,omitempty"`
	Values []string `protobuf:"bytes,3,rep,name=values,proto3" json:"values,omitempty"`
}

func (m *ScopePredicate) Reset()         { *m = ScopePredicate{} }
func (m *ScopePredicate) String() string { return proto.CompactTextString(m) }
func (*ScopePredicate) ProtoMessage()    {}

// CompTaskParam is a key/value parameter passed to a compliance task.
type CompTaskParam struct {
	Key string `protobuf:"bytes,1,opt,name=key,proto3" json:"key,omitempty"`
	Val string `protobuf:"bytes,2,opt,name=val,proto3" json:"val,omitempty"`
}

func (m *CompTaskParam) Reset()         { *m = CompTaskParam{} }
func (m *CompTaskParam) String() string { return proto.CompactTextString(m) }
func (*CompTaskParam) ProtoMessage()    {}

// CompTask is one scheduled compliance task.
type CompTask struct {
	Id              uint64            `protobuf:"varint,1,opt,name=id,proto3" json:"id,omitempty"`
	Name            string            `protobuf:"bytes,2,opt,name=name,proto3" json:"name,omitempty"`
	ModuleName      string            `protobuf:"bytes,3,opt,name=module_name,json=moduleName,proto3" json:"module_name,omitempty"`
	Enabled         bool              `protobuf:"varint,4,opt,name=enabled,proto3" json:"enabled,omitempty"`
	Schedule        string            `protobuf:"bytes,5,opt,name=schedule,proto3" json:"schedule,omitempty"`
	ScopePredicates []*ScopePredicate `protobuf:"bytes,6,rep,name=scope_predicates,json=scopePredicates,proto3" json:"scope_predicates,omitempty"`
	TaskParams      []*CompTaskParam  `protobuf:"bytes,7,rep,name=task_params,json=taskParams,proto3" json:"task_params,omitempty"`
}

func (m *CompTask) Reset()         { *m = CompTask{} }
func (m *CompTask) String() string { return proto.CompactTextString(m) }
func (*CompTask) ProtoMessage()    {}

// CompCalendar is the set of compliance tasks this host may run.
type CompCalendar struct {
	Tasks []*CompTask `protobuf:"bytes,1,rep,name=tasks,proto3" json:"tasks,omitempty"`
}

func (m *CompCalendar) Reset()         { *m = CompCalendar{} }
func (m *CompCalendar) String() string { return proto.CompactTextString(m) }
func (*CompCalendar) ProtoMessage()    {}

// CompStart is the streaming start request sent to the compliance module.
type CompStart struct {
	MachineId         string        `protobuf:"bytes,1,opt,name=machine_id,json=machineId,proto3" json:"machine_id,omitempty"`
	CustomerId        string        `protobuf:"bytes,2,opt,name=customer_id,json=customerId,proto3" json:"customer_id,omitempty"`
	IncludeDesc       bool          `protobuf:"varint,3,opt,name=include_desc,json=includeDesc,proto3" json:"include_desc,omitempty"`
	SendFailedResults bool          `protobuf:"varint,4,opt,name=send_failed_results,json=sendFailedResults,proto3" json:"send_failed_results,omitempty"`
	Calendar          *CompCalendar `protobuf:"bytes,5,opt,name=calendar,proto3" json:"calendar,omitempty"`
}

func (m *CompStart) Reset()         { *m = CompStart{} }
func (m *CompStart) String() string { return proto.CompactTextString(m) }
func (*CompStart) ProtoMessage()    {}

// CompResult is one compliance task result.
type CompResult struct {
	TimestampNs uint64 `protobuf:"varint,1,opt,name=timestamp_ns,json=timestampNs,proto3" json:"timestamp_ns,omitempty"`
	TaskName    string `protobuf:"bytes,2,opt,name=task_name,json=taskName,proto3" json:"task_name,omitempty"`
	TaskId      uint64 `protobuf:"varint,3,opt,name=task_id,json=taskId,proto3" json:"task_id,omitempty"`
	Successful  bool   `protobuf:"varint,4,opt,name=successful,proto3" json:"successful,omitempty"`
	Data        string `protobuf:"bytes,5,opt,name=data,proto3" json:"data,omitempty"`
}

func (m *CompResult) Reset()         { *m = CompResult{} }
func (m *CompResult) String() string { return proto.CompactTextString(m) }
func (*CompResult) ProtoMessage()    {}

// CompResults is a batch of compliance results.
type CompResults struct {
	Results []*CompResult `protobuf:"bytes,1,rep,name=results,proto3" json:"results,omitempty"`
}

func (m *CompResults) Reset()         { *m = CompResults{} }
func (m *CompResults) String() string { return proto.CompactTextString(m) }
func (*CompResults) ProtoMessage()    {}

// CompEvent is one compliance event (audit-style finding).
type CompEvent struct {
	TimestampNs uint64 `protobuf:"varint,1,opt,name=timestamp_ns,json=timestampNs,proto3" json:"timestamp_ns,omitempty"`
	TaskName    string `protobuf:"bytes,2,opt,name=task_name,json=taskName,proto3" json:"task_name,omitempty"`
	ContainerId string `protobuf:"bytes,3,opt,name=container_id,json=containerId,proto3" json:"container_id,omitempty"`
	Output      string `protobuf:"bytes,4,opt,name=output,proto3" json:"output,omitempty"`
}

func (m *CompEvent) Reset()         { *m = CompEvent{} }
func (m *CompEvent) String() string { return proto.CompactTextString(m) }
func (*CompEvent) ProtoMessage()    {}

// CompEvents is a batch of compliance events.
type CompEvents struct {
	Events []*CompEvent `protobuf:"bytes,1,rep,name=events,proto3" json:"events,omitempty"`
}

func (m *CompEvents) Reset()         { *m = CompEvents{} }
func (m *CompEvents) String() string { return proto.CompactTextString(m) }
func (*CompEvents) ProtoMessage()    {}

// CompTaskEvent is one message of the compliance start stream.
type CompTaskEvent struct {
	TaskName       string       `protobuf:"bytes,1,opt,name=task_name,json=taskName,proto3" json:"task_name,omitempty"`
	InitSuccessful bool         `protobuf:"varint,2,opt,name=init_successful,json=initSuccessful,proto3" json:"init_successful,omitempty"`
	Errstr         string       `protobuf:"bytes,3,opt,name=errstr,proto3" json:"errstr,omitempty"`
	Results        *CompResults `protobuf:"bytes,4,opt,name=results,proto3" json:"results,omitempty"`
	Events         *CompEvents  `protobuf:"bytes,5,opt,name=events,proto3" json:"events,omitempty"`
}

func (m *CompTaskEvent) Reset()         { *m = CompTaskEvent{} }
func (m *CompTaskEvent) String() string { return proto.CompactTextString(m) }
func (*CompTaskEvent) ProtoMessage()    {}

// CompStop asks the compliance module to stop all running tasks.
type CompStop struct {
}

func (m *CompStop) Reset()         { *m = CompStop{} }
func (m *CompStop) String() string { return proto.CompactTextString(m) }
func (*CompStop) ProtoMessage()    {}

// CompStopResult is the stop response.
type CompStopResult struct {
	Successful bool   `protobuf:"varint,1,opt,name=successful,proto3" json:"successful,omitempty"`
	Errstr     string `protobuf:"bytes,2,opt,name=errstr,proto3" json:"errstr,omitempty"`
}

func (m *CompStopResult) Reset()         { *m = CompStopResult{} }
func (m *CompStopResult) String() string { return proto.CompactTextString(m) }
func (*CompStopResult) ProtoMessage()    {}

// CompRun asks for an immediate one-shot run of the given tasks.
type CompRun struct {
	TaskIds []uint64 `protobuf:"varint,1,rep,packed,name=task_ids,json=taskIds,proto3" json:"task_ids,omitempty"`
}

func (m *CompRun) Reset()         { *m = CompRun{} }
func (m *CompRun) String() string { return proto.CompactTextString(m) }
func (*CompRun) ProtoMessage()    {}

// CompRunResult is the run-now response.
type CompRunResult struct {
	Successful bool   `protobuf:"varint,1,opt,name=successful,proto3" json:"successful,omitempty"`
	Errstr     string `protobuf:"bytes,2,opt,name=errstr,proto3" json:"errstr,omitempty"`
}

func (m *CompRunResult) Reset()         { *m = CompRunResult{} }
func (m *CompRunResult) String() string { return proto.CompactTextString(m) }
func (*CompRunResult) ProtoMessage()    {}

// CompGetFutureRuns asks for the next scheduled runs of a task. Diagnostic
// only.
type CompGetFutureRuns struct {
	TaskId  uint64 `protobuf:"varint,1,opt,name=task_id,json=taskId,proto3" json:"task_id,omitempty"`
	NumRuns uint32 `protobuf:"varint,2,opt,name=num_runs,json=numRuns,proto3" json:"num_runs,omitempty"`
}

func (m *CompGetFutureRuns) Reset()         { *m = CompGetFutureRuns{} }
func (m *CompGetFutureRuns) String() string { return proto.CompactTextString(m) }
func (*CompGetFutureRuns) ProtoMessage()    {}

// CompFutureRun is one scheduled run.
type CompFutureRun struct {
	TaskName    string `protobuf:"bytes,1,opt,name=task_name,json=taskName,proto3" json:"task_name,omitempty"`
	TimestampNs uint64 `protobuf:"varint,2,opt,name=timestamp_ns,json=timestampNs,proto3" json:"timestamp_ns,omitempty"`
}

func (m *CompFutureRun) Reset()         { *m = CompFutureRun{} }
func (m *CompFutureRun) String() string { return proto.CompactTextString(m) }
func (*CompFutureRun) ProtoMessage()    {}

// CompFutureRuns is the future-runs response.
type CompFutureRuns struct {
	Successful bool             `protobuf:"varint,1,opt,name=successful,proto3" json:"successful,omitempty"`
	Errstr     string           `protobuf:"bytes,2,opt,name=errstr,proto3" json:"errstr,omitempty"`
	Runs       []*CompFutureRun `protobuf:"bytes,3,rep,name=runs,proto3" json:"runs,omitempty"`
}

func (m *CompFutureRuns) Reset()         { *m = CompFutureRuns{} }
func (m *CompFutureRuns) String() string { return proto.CompactTextString(m) }
func (*CompFutureRuns) ProtoMessage()    {}

// CaptureData is one chunk of a drained capture file.
type CaptureData struct {
	Token     string `protobuf:"bytes,1,opt,name=token,proto3" json:"token,omitempty"`
	Offset    uint64 `protobuf:"varint,2,opt,name=offset,proto3" json:"offset,omitempty"`
	Data      []byte `protobuf:"bytes,3,opt,name=data,proto3" json:"data,omitempty"`
	LastChunk bool   `protobuf:"varint,4,opt,name=last_chunk,json=lastChunk,proto3" json:"last_chunk,omitempty"`
}

func (m *CaptureData) Reset()         { *m = CaptureData{} }
func (m *CaptureData) String() string { return proto.CompactTextString(m) }
func (*CaptureData) ProtoMessage()    {}

func init() {
	proto.RegisterEnum("secagent.ActionType", actionTypeName, map[string]int32{
		"ACTION_UNSPECIFIED": 0,
		"ACTION_CAPTURE":     1,
		"ACTION_PAUSE":       2,
		"ACTION_STOP":        3,
	})
	proto.RegisterType((*ActionResult)(nil), "secagent.ActionResult")
	proto.RegisterType((*RuleDetails)(nil), "secagent.RuleDetails")
	proto.RegisterType((*PolicyEvent)(nil), "secagent.PolicyEvent")
	proto.RegisterType((*PolicyEvents)(nil), "secagent.PolicyEvents")
	proto.RegisterType((*ThrottledPolicyEvent)(nil), "secagent.ThrottledPolicyEvent")
	proto.RegisterType((*ThrottledPolicyEvents)(nil), "secagent.ThrottledPolicyEvents")
	proto.RegisterType((*ScopePredicate)(nil), "secagent.ScopePredicate")
	proto.RegisterType((*CompTaskParam)(nil), "secagent.CompTaskParam")
	proto.RegisterType((*CompTask)(nil), "secagent.CompTask")
	proto.RegisterType((*CompCalendar)(nil), "secagent.CompCalendar")
	proto.RegisterType((*CompStart)(nil), "secagent.CompStart")
	proto.RegisterType((*CompResult)(nil), "secagent.CompResult")
	proto.RegisterType((*CompResults)(nil), "secagent.CompResults")
	proto.RegisterType((*CompEvent)(nil), "secagent.CompEvent")
	proto.RegisterType((*CompEvents)(nil), "secagent.CompEvents")
	proto.RegisterType((*CompTaskEvent)(nil), "secagent.CompTaskEvent")
	proto.RegisterType((*CompStop)(nil), "secagent.CompStop")
	proto.RegisterType((*CompStopResult)(nil), "secagent.CompStopResult")
	proto.RegisterType((*CompRun)(nil), "secagent.CompRun")
	proto.RegisterType((*CompRunResult)(nil), "secagent.CompRunResult")
	proto.RegisterType((*CompGetFutureRuns)(nil), "secagent.CompGetFutureRuns")
	proto.RegisterType((*CompFutureRun)(nil), "secagent.CompFutureRun")
	proto.RegisterType((*CompFutureRuns)(nil), "secagent.CompFutureRuns")
	proto.RegisterType((*CaptureData)(nil), "secagent.CaptureData")
}
