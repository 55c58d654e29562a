// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package payload

import (
	context "context"

	grpc "google.golang.org/grpc"
)

const (
	// ComplianceModuleMgrStartFullMethodName is the full method name of the
	// streaming start call.
	ComplianceModuleMgrStartFullMethodName = "/secagent.ComplianceModuleMgr/Start"
	// ComplianceModuleMgrStopFullMethodName is the full method name of the
	// stop call.
	ComplianceModuleMgrStopFullMethodName = "/secagent.ComplianceModuleMgr/Stop"
	// ComplianceModuleMgrRunTasksFullMethodName is the full method name of
	// the run-now call.
	ComplianceModuleMgrRunTasksFullMethodName = "/secagent.ComplianceModuleMgr/RunTasks"
	// ComplianceModuleMgrGetFutureRunsFullMethodName is the full method name
	// of the future-runs call.
	ComplianceModuleMgrGetFutureRunsFullMethodName = "/secagent.ComplianceModuleMgr/GetFutureRuns"
)

// ComplianceModuleMgrClient is the client API of the compliance module.
type ComplianceModuleMgrClient interface {
	// Start launches the tasks of the embedded calendar and streams task
	// events back until the stream is stopped.
	Start(ctx context.Context, in *CompStart, opts ...grpc.CallOption) (ComplianceModuleMgrStartClient, error)
	// Stop stops all running tasks.
	Stop(ctx context.Context, in *CompStop, opts ...grpc.CallOption) (*CompStopResult, error)
	// RunTasks triggers an immediate one-shot run.
	RunTasks(ctx context.Context, in *CompRun, opts ...grpc.CallOption) (*CompRunResult, error)
	// GetFutureRuns returns the next scheduled runs of a task.
	GetFutureRuns(ctx context.Context, in *CompGetFutureRuns, opts ...grpc.CallOption) (*CompFutureRuns, error)
}

type complianceModuleMgrClient struct {
	cc grpc.ClientConnInterface
}

// NewComplianceModuleMgrClient returns a compliance module client over the
// given connection.
func NewComplianceModuleMgrClient(cc grpc.ClientConnInterface) ComplianceModuleMgrClient {
	return &complianceModuleMgrClient{cc}
}

func (c *complianceModuleMgrClient) Start(ctx context.Context, in *CompStart, opts ...grpc.CallOption) (ComplianceModuleMgrStartClient, error) {
	stream, err := c.cc.NewStream(ctx, &ComplianceModuleMgrServiceDesc.Streams[0], ComplianceModuleMgrStartFullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	x := &complianceModuleMgrStartClient{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// ComplianceModuleMgrStartClient is the receive side of the start stream.
type ComplianceModuleMgrStartClient interface {
	Recv() (*CompTaskEvent, error)
	grpc.ClientStream
}

type complianceModuleMgrStartClient struct {
	grpc.ClientStream
}

func (x *complianceModuleMgrStartClient) Recv() (*CompTaskEvent, error) {
	m := new(CompTaskEvent)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *complianceModuleMgrClient) Stop(ctx context.Context, in *CompStop, opts ...grpc.CallOption) (*CompStopResult, error) {
	out := new(CompStopResult)
	if err := c.cc.Invoke(ctx, ComplianceModuleMgrStopFullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *complianceModuleMgrClient) RunTasks(ctx context.Context, in *CompRun, opts ...grpc.CallOption) (*CompRunResult, error) {
	out := new(CompRunResult)
	if err := c.cc.Invoke(ctx, ComplianceModuleMgrRunTasksFullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *complianceModuleMgrClient) GetFutureRuns(ctx context.Context, in *CompGetFutureRuns, opts ...grpc.CallOption) (*CompFutureRuns, error) {
	out := new(CompFutureRuns)
	if err := c.cc.Invoke(ctx, ComplianceModuleMgrGetFutureRunsFullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ComplianceModuleMgrServer is the server API of the compliance module.
type ComplianceModuleMgrServer interface {
	Start(*CompStart, ComplianceModuleMgrStartServer) error
	Stop(context.Context, *CompStop) (*CompStopResult, error)
	RunTasks(context.Context, *CompRun) (*CompRunResult, error)
	GetFutureRuns(context.Context, *CompGetFutureRuns) (*CompFutureRuns, error)
}

// ComplianceModuleMgrStartServer is the send side of the start stream.
type ComplianceModuleMgrStartServer interface {
	Send(*CompTaskEvent) error
	grpc.ServerStream
}

type complianceModuleMgrStartServer struct {
	grpc.ServerStream
}

func (x *complianceModuleMgrStartServer) Send(m *CompTaskEvent) error {
	return x.ServerStream.SendMsg(m)
}

// RegisterComplianceModuleMgrServer registers the service implementation on
// the grpc server.
func RegisterComplianceModuleMgrServer(s grpc.ServiceRegistrar, srv ComplianceModuleMgrServer) {
	s.RegisterService(&ComplianceModuleMgrServiceDesc, srv)
}

func complianceModuleMgrStartHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(CompStart)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(ComplianceModuleMgrServer).Start(m, &complianceModuleMgrStartServer{ServerStream: stream})
}

func complianceModuleMgrStopHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CompStop)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ComplianceModuleMgrServer).Stop(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ComplianceModuleMgrStopFullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ComplianceModuleMgrServer).Stop(ctx, req.(*CompStop))
	}
	return interceptor(ctx, in, info, handler)
}

func complianceModuleMgrRunTasksHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CompRun)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ComplianceModuleMgrServer).RunTasks(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ComplianceModuleMgrRunTasksFullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ComplianceModuleMgrServer).RunTasks(ctx, req.(*CompRun))
	}
	return interceptor(ctx, in, info, handler)
}

func complianceModuleMgrGetFutureRunsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CompGetFutureRuns)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ComplianceModuleMgrServer).GetFutureRuns(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ComplianceModuleMgrGetFutureRunsFullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ComplianceModuleMgrServer).GetFutureRuns(ctx, req.(*CompGetFutureRuns))
	}
	return interceptor(ctx, in, info, handler)
}

// ComplianceModuleMgrServiceDesc is the service descriptor of the compliance
// module.
var ComplianceModuleMgrServiceDesc = grpc.ServiceDesc{
	ServiceName: "secagent.ComplianceModuleMgr",
	HandlerType: (*ComplianceModuleMgrServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Stop",
			Handler:    complianceModuleMgrStopHandler,
		},
		{
			MethodName: "RunTasks",
			Handler:    complianceModuleMgrRunTasksHandler,
		},
		{
			MethodName: "GetFutureRuns",
			Handler:    complianceModuleMgrGetFutureRunsHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Start",
			Handler:       complianceModuleMgrStartHandler,
			ServerStreams: true,
		},
	},
}
