// Package config loads the service configuration.
//
// Configuration comes from a YAML file, MAHI_* environment variables and
// built-in defaults, in that order of precedence from last to first:
// environment wins over the file, and the file wins over defaults. Nested
// keys map to variables by upper-casing and replacing dots with
// underscores, so server.address is MAHI_SERVER_ADDRESS.
//
// A loaded Config is checked twice. Struct tags cover single fields through
// go-playground/validator, and a CUE schema covers rules that span fields,
// such as an rpc backend needing a host:port address or the otlp exporter
// needing an endpoint. Every problem from both passes is reported together
// as ValidationErrors.
//
// Example:
//
//	cfg, err := config.Load("")
//	if err != nil {
//		log.Fatal().Err(err).Msg("bad configuration")
//	}
package config
