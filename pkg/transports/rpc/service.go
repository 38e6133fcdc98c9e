package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
)

// Fully qualified method names.
const (
	MethodPlan       = "/mahi.v1.Assistant/Plan"
	MethodChat       = "/mahi.v1.Assistant/Chat"
	MethodIndex      = "/mahi.v1.Indexer/Index"
	MethodQuery      = "/mahi.v1.Indexer/Query"
	MethodBatchEmbed = "/mahi.v1.Embeddings/BatchEmbed"
	MethodExecute    = "/mahi.v1.Automation/Execute"
)

// errorKindKey is the trailer carrying the server's error classification.
const errorKindKey = "mahi-error-kind"

// ChatReply is one message of the Chat stream.
type ChatReply struct {
	Token string           `json:"token,omitempty"`
	Done  bool             `json:"done,omitempty"`
	Error *engine.Envelope `json:"error,omitempty"`
}

// BackendServer is implemented by anything served over the mahi services.
type BackendServer interface {
	Plan(ctx context.Context, req *engine.PlanRequest) (*engine.PlanDraft, error)
	Chat(req *engine.ChatRequest, stream grpc.ServerStream) error
	Index(ctx context.Context, req *engine.IndexRequest) (*engine.IndexResult, error)
	Query(ctx context.Context, req *engine.QueryRequest) (*engine.QueryResult, error)
	BatchEmbed(ctx context.Context, req *engine.EmbedRequest) (*engine.EmbedResult, error)
	Execute(ctx context.Context, req *engine.ExecuteRequest) (*engine.StepResult, error)
}

var chatStreamDesc = grpc.StreamDesc{
	StreamName:    "Chat",
	ServerStreams: true,
	ClientStreams: true,
}

// unaryHandler builds a grpc.MethodHandler for one BackendServer method.
func unaryHandler[Req any, Resp any](method string, call func(BackendServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BackendServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(BackendServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func chatHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(engine.ChatRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(BackendServer).Chat(in, stream)
}

var assistantServiceDesc = grpc.ServiceDesc{
	ServiceName: "mahi.v1.Assistant",
	HandlerType: (*BackendServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Plan",
		Handler:    unaryHandler(MethodPlan, BackendServer.Plan),
	}},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Chat",
		Handler:       chatHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
}

var indexerServiceDesc = grpc.ServiceDesc{
	ServiceName: "mahi.v1.Indexer",
	HandlerType: (*BackendServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Index", Handler: unaryHandler(MethodIndex, BackendServer.Index)},
		{MethodName: "Query", Handler: unaryHandler(MethodQuery, BackendServer.Query)},
	},
}

var embeddingsServiceDesc = grpc.ServiceDesc{
	ServiceName: "mahi.v1.Embeddings",
	HandlerType: (*BackendServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "BatchEmbed", Handler: unaryHandler(MethodBatchEmbed, BackendServer.BatchEmbed)},
	},
}

var automationServiceDesc = grpc.ServiceDesc{
	ServiceName: "mahi.v1.Automation",
	HandlerType: (*BackendServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: unaryHandler(MethodExecute, BackendServer.Execute)},
	},
}

// RegisterBackendServer registers every mahi service on s.
func RegisterBackendServer(s grpc.ServiceRegistrar, srv BackendServer) {
	s.RegisterService(&assistantServiceDesc, srv)
	s.RegisterService(&indexerServiceDesc, srv)
	s.RegisterService(&embeddingsServiceDesc, srv)
	s.RegisterService(&automationServiceDesc, srv)
}
