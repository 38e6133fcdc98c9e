// Package rpc adapts backends that serve the mahi.v1 gRPC services. Messages
// travel as JSON through a registered codec.
package rpc

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/stream"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/transports"
)

// Adapter talks to one gRPC backend over a shared client connection.
type Adapter struct {
	transports.Base
	settings transports.Settings
	conn     *grpc.ClientConn
}

// New creates an adapter. The connection is established lazily; extra dial
// options are appended to the defaults.
func New(s transports.Settings, extra ...grpc.DialOption) (*Adapter, error) {
	s = s.WithDefaults()
	base, err := transports.NewBase(s.ID, transports.KindRPC, s.Capabilities, engine.AllCapabilities())
	if err != nil {
		return nil, err
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	if s.APIKey != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearer(s.APIKey)))
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(s.Address, opts...)
	if err != nil {
		return nil, err
	}
	return &Adapter{Base: base, settings: s, conn: conn}, nil
}

// Invoke performs a unary call.
func (a *Adapter) Invoke(ctx context.Context, op engine.Operation) (engine.Result, error) {
	if err := a.Check(op); err != nil {
		return engine.Result{}, err
	}
	if err := a.ready(ctx); err != nil {
		return engine.Result{}, err
	}
	ctx, cancel := transports.WithRequestTimeout(ctx, a.settings)
	defer cancel()

	switch p := op.Payload.(type) {
	case engine.IndexRequest:
		var out engine.IndexResult
		if err := a.call(ctx, MethodIndex, &p, &out); err != nil {
			return engine.Result{}, err
		}
		if out.DocumentID == "" {
			out.DocumentID = p.DocumentID
		}
		return engine.Result{Value: out}, nil
	case engine.QueryRequest:
		var out engine.QueryResult
		if err := a.call(ctx, MethodQuery, &p, &out); err != nil {
			return engine.Result{}, err
		}
		return engine.Result{Value: out}, nil
	case engine.EmbedRequest:
		var out engine.EmbedResult
		if err := a.call(ctx, MethodBatchEmbed, &p, &out); err != nil {
			return engine.Result{}, err
		}
		return engine.Result{Value: out}, nil
	case engine.PlanRequest:
		var out engine.PlanDraft
		if err := a.call(ctx, MethodPlan, &p, &out); err != nil {
			return engine.Result{}, err
		}
		return engine.Result{Value: out}, nil
	case engine.ExecuteRequest:
		var out engine.StepResult
		if err := a.call(ctx, MethodExecute, &p, &out); err != nil {
			return engine.Result{}, err
		}
		return engine.Result{Value: out}, nil
	default:
		return engine.Result{}, a.Unsupported(op)
	}
}

// OpenStream opens the Chat stream, sends the conversation and half-closes.
func (a *Adapter) OpenStream(ctx context.Context, op engine.Operation) (engine.StreamHandle, error) {
	if err := a.Check(op); err != nil {
		return nil, err
	}
	p, err := transports.ExpectPayload[engine.ChatRequest](op)
	if err != nil {
		return nil, err
	}
	if err := a.ready(ctx); err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	cs, err := a.conn.NewStream(streamCtx, &chatStreamDesc, MethodChat)
	if err != nil {
		cancel()
		return nil, classifyStatus(err, nil)
	}
	if err := cs.SendMsg(&p); err != nil {
		// SendMsg reports io.EOF when the server ended the stream; the real
		// status comes from RecvMsg.
		if errors.Is(err, io.EOF) {
			err = cs.RecvMsg(&ChatReply{})
		}
		cancel()
		return nil, classifyStatus(err, cs.Trailer())
	}
	if err := cs.CloseSend(); err != nil {
		cancel()
		return nil, classifyStatus(err, nil)
	}
	return stream.Open(&chatSource{cs: cs, cancel: cancel}, a.settings.Stream), nil
}

// State reports the connection state.
func (a *Adapter) State() connectivity.State {
	return a.conn.GetState()
}

// Close closes the client connection.
func (a *Adapter) Close() error {
	return a.conn.Close()
}

func (a *Adapter) call(ctx context.Context, method string, in, out interface{}) error {
	var trailer metadata.MD
	if err := a.conn.Invoke(ctx, method, in, out, grpc.Trailer(&trailer)); err != nil {
		return classifyStatus(err, trailer)
	}
	return nil
}

// ready waits, up to the connect timeout, for the connection to be usable.
// A backend that never becomes ready was never sent anything.
func (a *Adapter) ready(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, a.settings.ConnectTimeout)
	defer cancel()

	for {
		state := a.conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			a.conn.Connect()
		case connectivity.Shutdown:
			return engine.NewPreflightError("connection closed", nil).WithBackend(a.ID())
		}
		if !a.conn.WaitForStateChange(waitCtx, state) {
			if errors.Is(ctx.Err(), context.Canceled) {
				return engine.NewCancelledError("cancelled while connecting", ctx.Err())
			}
			return engine.NewPreflightError("backend not ready: "+state.String(), waitCtx.Err()).WithBackend(a.ID())
		}
	}
}

// classifyStatus maps a gRPC failure onto the engine taxonomy. A kind sent
// by the server in the trailer wins over the status code.
func classifyStatus(err error, trailer metadata.MD) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return engine.Classify(err)
	}
	if vals := trailer.Get(errorKindKey); len(vals) > 0 {
		if kind := engine.ErrorKind(vals[0]); kind.Validate() == nil {
			return engine.NewError(kind, st.Message(), nil).WithCode(st.Code().String())
		}
	}

	var e *engine.Error
	switch st.Code() {
	case codes.Canceled:
		e = engine.NewCancelledError(st.Message(), nil)
	case codes.DeadlineExceeded:
		e = engine.NewTimeoutError(st.Message(), nil)
	case codes.Unauthenticated, codes.PermissionDenied:
		e = engine.NewUnauthenticatedError(st.Message(), nil)
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange,
		codes.NotFound, codes.AlreadyExists, codes.Unimplemented, codes.ResourceExhausted:
		e = engine.NewRejectedError(st.Message(), nil)
	default:
		e = engine.NewAmbiguousError(st.Message(), nil)
	}
	return e.WithCode(st.Code().String())
}

// chatSource reads ChatReply messages from a client stream.
type chatSource struct {
	cs     grpc.ClientStream
	cancel context.CancelFunc
}

func (s *chatSource) Recv(ctx context.Context) (stream.Frame, error) {
	var reply ChatReply
	if err := s.cs.RecvMsg(&reply); err != nil {
		if errors.Is(err, io.EOF) {
			return stream.Frame{}, io.EOF
		}
		return stream.Frame{}, classifyStatus(err, s.cs.Trailer())
	}
	if reply.Error != nil {
		return stream.Frame{}, reply.Error.Err()
	}
	return stream.Frame{Content: reply.Token, Done: reply.Done}, nil
}

func (s *chatSource) Close() error {
	s.cancel()
	return nil
}

// bearer attaches an API key to every call.
type bearer string

func (b bearer) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + string(b)}, nil
}

func (bearer) RequireTransportSecurity() bool { return false }
