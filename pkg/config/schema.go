package config

import (
	stderrors "errors"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

// configSchema constrains the decoded configuration. Struct tags cover the
// per-field rules; the schema covers rules that span fields.
const configSchema = `
#Duration: int & >=0

#Capability: "chat-stream" | "index" | "query" | "embed" | "plan" | "execute"

#Backend: {
	id:               =~"^[a-z0-9][a-z0-9_.-]*$" & !="local" & !="actions"
	kind:             "http" | "rpc" | "openai"
	address?:         string
	enabled?:         bool
	priority:         int & >=0
	capabilities?:    [...#Capability]
	api_key_env?:     =~"^[A-Za-z_][A-Za-z0-9_]*$"
	model?:           string
	embedding_model?: string
	connect_timeout:  #Duration
	request_timeout:  #Duration
	stall_timeout:    #Duration

	if kind == "http" {
		address: =~"^https?://"
	}
	if kind == "rpc" {
		address: =~"^[^/]*:[0-9]+$"
	}
	if kind == "openai" {
		capabilities?: [...("chat-stream" | "query" | "embed" | "plan")]
	}
}

#Config: {
	server: {
		address:             string & !=""
		cors_origins?:       [...string]
		read_header_timeout: #Duration
		shutdown_timeout:    #Duration
		max_body_bytes:      int & >=0
	}
	backends?: [...#Backend]
	fallback: {
		enabled:     bool
		token_delay: #Duration
		index_path?: string
		key_path?:   string
	}
	health: {
		failure_threshold: int & >=1
		cooldown:          #Duration & >0
	}
	stream: {
		stall_timeout: #Duration & >0
		cancel_grace:  #Duration & >0
	}
	store: {
		driver: "sqlite" | "memory"
		path?:  string
		if driver == "sqlite" {
			path: !=""
		}
	}
	policy: {
		paths?:    [...string]
		watch:     bool
		disabled?: [...string]
	}
	actions: {
		enabled:     bool
		plugin_dir?: string
		allowed?:    [...=~"^[a-z_]+$"]
	}
	telemetry: {
		service_name: string & !=""
		environment:  string
		logging: {
			level:  "trace" | "debug" | "info" | "warn" | "error"
			format: "console" | "json"
			output: string
		}
		tracing: {
			exporter:      "none" | "stdout" | "otlp"
			endpoint?:     string
			sampling_rate: number & >=0 & <=1
			insecure:      bool
			if exporter == "otlp" {
				endpoint: !=""
			}
		}
		metrics: {
			enabled:   bool
			namespace: =~"^[a-z_][a-z0-9_]*$"
		}
		events: {
			buffer_size: int & >=1
		}
	}
}
`

// ValidationError is one problem found in a configuration.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// ValidationErrors collects every problem found in one pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

var (
	schemaOnce sync.Once
	schemaCtx  *cue.Context
	schemaVal  cue.Value
	schemaErr  error
	schemaMu   sync.Mutex

	validate = validator.New()
)

func loadSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		root := schemaCtx.CompileString(configSchema)
		if err := root.Err(); err != nil {
			schemaErr = fmt.Errorf("failed to compile config schema: %w", err)
			return
		}
		schemaVal = root.LookupPath(cue.ParsePath("#Config"))
		schemaErr = schemaVal.Err()
	})
	return schemaCtx, schemaVal, schemaErr
}

// Validate checks cfg against its struct tags and the configuration schema.
// It returns ValidationErrors listing every problem.
func Validate(cfg *Config) error {
	var problems ValidationErrors

	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !stderrors.As(err, &fieldErrs) {
			return fmt.Errorf("validate config: %w", err)
		}
		for _, fe := range fieldErrs {
			problems = append(problems, ValidationError{
				Path:    fieldPath(fe.Namespace()),
				Message: describeTag(fe),
			})
		}
	}

	schemaProblems, err := validateSchema(cfg)
	if err != nil {
		return err
	}
	problems = append(problems, schemaProblems...)

	if len(problems) > 0 {
		return problems
	}
	return nil
}

func validateSchema(cfg *Config) (ValidationErrors, error) {
	ctx, schema, err := loadSchema()
	if err != nil {
		return nil, err
	}

	schemaMu.Lock()
	defer schemaMu.Unlock()

	data := ctx.Encode(cfg)
	if err := data.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}

	unified := schema.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err), nil
	}
	return nil, nil
}

// convertCUEErrors flattens a CUE error list, dropping duplicates that
// disjunctions tend to produce.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	seen := make(map[string]bool)

	for _, e := range errors.Errors(err) {
		path := strings.Join(e.Path(), ".")
		format, args := e.Msg()
		ve := ValidationError{Path: path, Message: fmt.Sprintf(format, args...)}
		key := ve.Error()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ve)
	}
	return out
}

// fieldPath turns a validator namespace such as Config.Backends[0].Kind
// into backends[0].kind.
func fieldPath(ns string) string {
	ns = strings.TrimPrefix(ns, "Config.")
	return strings.ToLower(ns)
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if":
		return "is required when " + strings.Replace(fe.Param(), " ", " is ", 1)
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "unique":
		return fmt.Sprintf("%s values must be unique", strings.ToLower(fe.Param()))
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
