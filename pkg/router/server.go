package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/engine"
	"github.com/gigakumar/mahiLLM-openai-style/pkg/stream"
)

// StatusClientClosedRequest is reported when the client went away first.
const StatusClientClosedRequest = 499

// ServerOptions configures the HTTP surface.
type ServerOptions struct {
	// CORSOrigins lists allowed origins. "*" allows any.
	CORSOrigins []string

	// MaxBodyBytes bounds request bodies. Zero means 4 MiB.
	MaxBodyBytes int64

	// Metrics serves GET /metrics when set.
	Metrics http.Handler

	Logger zerolog.Logger
}

// executeBody is the body of POST /v1/plans/{id}/execute.
type executeBody struct {
	Approvals map[string]bool `json:"approvals"`
}

// Handler returns the HTTP API for r.
func Handler(r *Router, opts ServerOptions) http.Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 4 << 20
	}
	s := &server{router: r, opts: opts, logger: opts.Logger.With().Str("component", "http").Logger()}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/plans", s.handlePlan)
	mux.HandleFunc("GET /v1/plans", s.handleListPlans)
	mux.HandleFunc("GET /v1/plans/{id}", s.handleGetPlan)
	mux.HandleFunc("GET /v1/plans/{id}/events", s.handlePlanEvents)
	mux.HandleFunc("POST /v1/plans/{id}/execute", s.handleExecute)
	mux.HandleFunc("POST /v1/index", s.handleIndex)
	mux.HandleFunc("POST /v1/query", s.handleQuery)
	mux.HandleFunc("POST /v1/embed", s.handleEmbed)
	mux.HandleFunc("POST /v1/chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /v1/backends", s.handleBackends)
	mux.HandleFunc("GET /ping", s.handlePing)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		writeError(w, engine.NewNotFoundError(fmt.Sprintf("no route for %s %s", req.Method, req.URL.Path), nil))
	})

	return s.recoverer(s.logRequests(s.cors(mux)))
}

type server struct {
	router *Router
	opts   ServerOptions
	logger zerolog.Logger
}

func (s *server) handlePlan(w http.ResponseWriter, req *http.Request) {
	var body engine.PlanRequest
	if !s.decode(w, req, &body) {
		return
	}
	plan, err := s.router.Plan(req.Context(), body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (s *server) handleListPlans(w http.ResponseWriter, req *http.Request) {
	limit, err := queryInt(req, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	plans, err := s.router.ListPlans(req.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if plans == nil {
		plans = []*engine.Plan{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"plans": plans})
}

func (s *server) handleGetPlan(w http.ResponseWriter, req *http.Request) {
	view, err := s.router.GetPlan(req.Context(), req.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *server) handlePlanEvents(w http.ResponseWriter, req *http.Request) {
	limit, err := queryInt(req, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	events, err := s.router.PlanEvents(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []*engine.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *server) handleExecute(w http.ResponseWriter, req *http.Request) {
	var body executeBody
	if req.ContentLength != 0 {
		if !s.decode(w, req, &body) {
			return
		}
	}
	report, err := s.router.Execute(req.Context(), req.PathValue("id"), body.Approvals)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *server) handleIndex(w http.ResponseWriter, req *http.Request) {
	var body engine.IndexRequest
	if !s.decode(w, req, &body) {
		return
	}
	reply, err := s.router.Index(req.Context(), body)
	respond(w, reply, err)
}

func (s *server) handleQuery(w http.ResponseWriter, req *http.Request) {
	var body engine.QueryRequest
	if !s.decode(w, req, &body) {
		return
	}
	reply, err := s.router.Query(req.Context(), body)
	respond(w, reply, err)
}

func (s *server) handleEmbed(w http.ResponseWriter, req *http.Request) {
	var body engine.EmbedRequest
	if !s.decode(w, req, &body) {
		return
	}
	reply, err := s.router.Embed(req.Context(), body)
	respond(w, reply, err)
}

// handleChatStream writes tokens as server-sent events. Errors before the
// stream opens are ordinary error responses; after that they arrive as the
// terminal token. Every stream ends with the [DONE] marker.
func (s *server) handleChatStream(w http.ResponseWriter, req *http.Request) {
	var body engine.ChatRequest
	if !s.decode(w, req, &body) {
		return
	}

	ctx := req.Context()
	h, info, err := s.router.ChatStream(ctx, body)
	if err != nil {
		writeError(w, err)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	header.Set("X-Mahi-Backend", info.Backend)
	header.Set("X-Mahi-Synthesized", strconv.FormatBool(info.Synthesized))
	header.Set("X-Mahi-Stream-Id", h.ID())
	w.WriteHeader(http.StatusOK)

	enc := stream.NewSSEEncoder(w)
	logger := s.logger.With().Str("stream_id", h.ID()).Str("backend", info.Backend).Logger()

	for {
		select {
		case tok, ok := <-h.Tokens():
			if !ok {
				_ = enc.Done()
				return
			}
			if err := enc.Encode(tok); err != nil {
				logger.Debug().Err(err).Msg("Client write failed, cancelling stream")
				h.Cancel()
				return
			}
			if tok.Content != "" {
				s.router.recordToken(info.Backend)
			}
			if tok.Terminal {
				_ = enc.Done()
				return
			}
		case <-ctx.Done():
			logger.Debug().Msg("Client disconnected, cancelling stream")
			h.Cancel()
			return
		}
	}
}

func (s *server) handleBackends(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"backends": s.router.Backends()})
}

func (s *server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads a JSON body into v, writing an Invalid error on failure.
func (s *server) decode(w http.ResponseWriter, req *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, s.opts.MaxBodyBytes))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, engine.NewInvalidError(fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), nil))
		case errors.Is(err, io.EOF):
			writeError(w, engine.NewInvalidError("request body is empty", nil))
		default:
			writeError(w, engine.NewInvalidError("request body is not valid JSON", err))
		}
		return false
	}
	return true
}

func respond[T any](w http.ResponseWriter, reply Reply[T], err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func queryInt(req *http.Request, name string) (int, error) {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, engine.NewInvalidError(fmt.Sprintf("%s must be a non-negative integer", name), nil)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = engine.Classify(err)
	}
	env := engine.ToEnvelope(err)
	writeJSON(w, StatusFor(env.ErrorKind), env)
}

// StatusFor maps an error kind to an HTTP status code.
func StatusFor(kind engine.ErrorKind) int {
	switch kind {
	case engine.ErrorKindInvalid:
		return http.StatusBadRequest
	case engine.ErrorKindUnauthenticated:
		return http.StatusUnauthorized
	case engine.ErrorKindNotFound:
		return http.StatusNotFound
	case engine.ErrorKindConflict, engine.ErrorKindApprovalRequired:
		return http.StatusConflict
	case engine.ErrorKindBackendRejected:
		return http.StatusUnprocessableEntity
	case engine.ErrorKindCancelled:
		return StatusClientClosedRequest
	case engine.ErrorKindAmbiguous:
		return http.StatusBadGateway
	case engine.ErrorKindUnavailable, engine.ErrorKindPreflight:
		return http.StatusServiceUnavailable
	case engine.ErrorKindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent events streaming through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		requestID := req.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", requestID)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)

		s.logger.Info().
			Str("request_id", requestID).
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request served")
	})
}

func (s *server) cors(next http.Handler) http.Handler {
	allowAny := false
	allowed := make(map[string]bool, len(s.opts.CORSOrigins))
	for _, o := range s.opts.CORSOrigins {
		if o == "*" {
			allowAny = true
		}
		allowed[strings.TrimSuffix(o, "/")] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		origin := req.Header.Get("Origin")
		if origin != "" && (allowAny || allowed[origin]) {
			h := w.Header()
			if allowAny {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-Id")
			h.Set("Access-Control-Expose-Headers", "X-Request-Id, X-Mahi-Backend, X-Mahi-Synthesized, X-Mahi-Stream-Id")
		}
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (s *server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.logger.Error().Interface("panic", v).Str("path", req.URL.Path).Msg("Handler panicked")
				writeError(w, engine.NewError(engine.ErrorKindInternal, "internal error", nil))
			}
		}()
		next.ServeHTTP(w, req)
	})
}
