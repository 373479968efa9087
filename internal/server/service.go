package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "strategyq.v1.StrategyQueue"

// Unary method names.
const (
	MethodCreateJob      = "CreateJob"
	MethodStartJob       = "StartJob"
	MethodPauseJob       = "PauseJob"
	MethodResumeJob      = "ResumeJob"
	MethodStepJob        = "StepJob"
	MethodCancelJob      = "CancelJob"
	MethodDeleteJob      = "DeleteJob"
	MethodGetJob         = "GetJob"
	MethodListJobs       = "ListJobs"
	MethodQueueStats     = "QueueStats"
	MethodCreateBatch    = "CreateBatch"
	MethodStartBatch     = "StartBatch"
	MethodCancelBatch    = "CancelBatch"
	MethodGetBatch       = "GetBatch"
	MethodListBatches    = "ListBatches"
	MethodListStrategies = "ListStrategies"
	MethodListDataFiles  = "ListDataFiles"
	MethodLoadDataFile   = "LoadDataFile"

	MethodWatchJobs = "WatchJobs"
)

var unaryMethods = []string{
	MethodCreateJob, MethodStartJob, MethodPauseJob, MethodResumeJob, MethodStepJob,
	MethodCancelJob, MethodDeleteJob, MethodGetJob, MethodListJobs, MethodQueueStats,
	MethodCreateBatch, MethodStartBatch, MethodCancelBatch, MethodGetBatch, MethodListBatches,
	MethodListStrategies, MethodListDataFiles, MethodLoadDataFile,
}

// StrategyQueueServer is the handler type registered with ServiceDesc.
//
// Every message is a google.protobuf.Struct carrying the JSON form of the
// request and response types in this package, so no generated code is needed.
type StrategyQueueServer interface {
	Handle(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error)
	WatchJobs(req *structpb.Struct, stream grpc.ServerStream) error
}

// ServiceDesc describes the control service for grpc.Server.RegisterService.
var ServiceDesc = buildServiceDesc()

func buildServiceDesc() grpc.ServiceDesc {
	desc := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*StrategyQueueServer)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    MethodWatchJobs,
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(StrategyQueueServer).WatchJobs(in, stream)
			},
		}},
		Metadata: "strategyq/v1/service.proto",
	}
	for _, name := range unaryMethods {
		desc.Methods = append(desc.Methods, unaryMethod(name))
	}
	return desc
}

func unaryMethod(name string) grpc.MethodDesc {
	fullMethod := fullMethodName(name)
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(StrategyQueueServer)
			if interceptor == nil {
				return s.Handle(ctx, name, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return s.Handle(ctx, name, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func fullMethodName(name string) string {
	return "/" + ServiceName + "/" + name
}

// ============================================================================
// Struct <-> Go values
// ============================================================================

// toStruct encodes v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return out, nil
}

// fromStruct decodes s into v through its JSON form. A nil s leaves v untouched.
func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
