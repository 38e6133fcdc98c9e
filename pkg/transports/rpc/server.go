package rpc

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
)

// AdapterServer serves any engine.Adapter over the mahi.v1 services, so a
// local or remote adapter can be exposed to other routers.
type AdapterServer struct {
	adapter engine.Adapter
}

// NewAdapterServer wraps adapter.
func NewAdapterServer(adapter engine.Adapter) *AdapterServer {
	return &AdapterServer{adapter: adapter}
}

// NewServer creates a gRPC server with every service registered and request
// logging installed.
func NewServer(adapter engine.Adapter, logger zerolog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(unaryLogger(logger)),
		grpc.ChainStreamInterceptor(streamLogger(logger)),
	}, opts...)
	s := grpc.NewServer(opts...)
	RegisterBackendServer(s, NewAdapterServer(adapter))
	return s
}

func (s *AdapterServer) Plan(ctx context.Context, req *engine.PlanRequest) (*engine.PlanDraft, error) {
	return invoke[engine.PlanDraft](ctx, s.adapter, *req)
}

func (s *AdapterServer) Index(ctx context.Context, req *engine.IndexRequest) (*engine.IndexResult, error) {
	return invoke[engine.IndexResult](ctx, s.adapter, *req)
}

func (s *AdapterServer) Query(ctx context.Context, req *engine.QueryRequest) (*engine.QueryResult, error) {
	return invoke[engine.QueryResult](ctx, s.adapter, *req)
}

func (s *AdapterServer) BatchEmbed(ctx context.Context, req *engine.EmbedRequest) (*engine.EmbedResult, error) {
	return invoke[engine.EmbedResult](ctx, s.adapter, *req)
}

func (s *AdapterServer) Execute(ctx context.Context, req *engine.ExecuteRequest) (*engine.StepResult, error) {
	return invoke[engine.StepResult](ctx, s.adapter, *req)
}

// Chat relays the adapter's token stream. A stream failure after the first
// token is reported in-band so the client sees it as the terminal token.
func (s *AdapterServer) Chat(req *engine.ChatRequest, ss grpc.ServerStream) error {
	ctx := ss.Context()
	if !engine.Supports(s.adapter, engine.CapabilityChatStream) {
		return toStatus(ctx, engine.NewPreflightError("chat is not served here", nil))
	}
	h, err := s.adapter.OpenStream(ctx, engine.NewOperation(*req))
	if err != nil {
		return toStatus(ctx, err)
	}
	defer h.Cancel()

	tokens := h.Tokens()
	for {
		select {
		case <-ctx.Done():
			h.Cancel()
			return status.FromContextError(ctx.Err()).Err()
		case tok, ok := <-tokens:
			if !ok {
				return nil
			}
			if !tok.Terminal {
				if err := ss.SendMsg(&ChatReply{Token: tok.Content}); err != nil {
					return err
				}
				continue
			}
			reply := &ChatReply{Done: true}
			if tok.Error != "" {
				reply.Error = &engine.Envelope{ErrorKind: tok.Error, Message: tok.Message}
			}
			return ss.SendMsg(reply)
		}
	}
}

func invoke[T any](ctx context.Context, a engine.Adapter, p engine.Payload) (*T, error) {
	op := engine.NewOperation(p)
	if !engine.Supports(a, op.Capability) {
		return nil, toStatus(ctx, engine.NewPreflightError(string(op.Capability)+" is not served here", nil))
	}
	res, err := a.Invoke(ctx, op)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	v, ok := res.Value.(T)
	if !ok {
		return nil, toStatus(ctx, engine.NewError(engine.ErrorKindInternal, "adapter returned an unexpected result type", nil))
	}
	return &v, nil
}

// toStatus converts an engine error into a gRPC status and records its kind
// in the trailer.
func toStatus(ctx context.Context, err error) error {
	kind := engine.KindOf(err)
	_ = grpc.SetTrailer(ctx, metadata.Pairs(errorKindKey, string(kind)))

	var code codes.Code
	switch kind {
	case engine.ErrorKindPreflight, engine.ErrorKindUnavailable:
		code = codes.Unavailable
	case engine.ErrorKindBackendRejected, engine.ErrorKindInvalid:
		code = codes.InvalidArgument
	case engine.ErrorKindUnauthenticated:
		code = codes.Unauthenticated
	case engine.ErrorKindTimeout:
		code = codes.DeadlineExceeded
	case engine.ErrorKindCancelled:
		code = codes.Canceled
	case engine.ErrorKindNotFound:
		code = codes.NotFound
	case engine.ErrorKindConflict, engine.ErrorKindApprovalRequired:
		code = codes.FailedPrecondition
	default:
		code = codes.Internal
	}
	msg := err.Error()
	var e *engine.Error
	if errors.As(err, &e) {
		msg = e.Message
	}
	return status.Error(code, msg)
}

func unaryLogger(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logCall(logger, info.FullMethod, start, err)
		return resp, err
	}
}

func streamLogger(logger zerolog.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logCall(logger, info.FullMethod, start, err)
		return err
	}
}

func logCall(logger zerolog.Logger, method string, start time.Time, err error) {
	evt := logger.Debug()
	if err != nil {
		evt = logger.Warn().Str("code", status.Code(err).String()).Err(err)
	}
	evt.Str("method", method).Dur("duration", time.Since(start)).Msg("rpc call")
}
