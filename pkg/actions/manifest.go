package actions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Plugin runtimes.
const (
	RuntimeStarlark = "starlark"
	RuntimeWASM     = "wasm"
)

// DefaultPluginTimeout bounds one plugin run.
const DefaultPluginTimeout = 30 * time.Second

// Manifest describes one plugin. YAML and JSON files share the shape.
type Manifest struct {
	Name        string          `yaml:"name" json:"name" validate:"required"`
	Version     string          `yaml:"version" json:"version"`
	Description string          `yaml:"description" json:"description"`
	Runtime     string          `yaml:"runtime" json:"runtime" validate:"required,oneof=starlark wasm"`
	Entrypoint  string          `yaml:"entrypoint" json:"entrypoint" validate:"required"`
	Checksum    string          `yaml:"checksum" json:"checksum" validate:"omitempty,len=64,hexadecimal"`
	Timeout     string          `yaml:"timeout" json:"timeout"`
	Scopes      map[string]bool `yaml:"scopes" json:"scopes"`

	// Dir is the directory the manifest was loaded from.
	Dir string `yaml:"-" json:"-"`
}

// EntryPath resolves the entrypoint relative to the manifest.
func (m *Manifest) EntryPath() string {
	if filepath.IsAbs(m.Entrypoint) {
		return m.Entrypoint
	}
	return filepath.Join(m.Dir, m.Entrypoint)
}

// RunTimeout returns the configured timeout or the default.
func (m *Manifest) RunTimeout() time.Duration {
	if d, err := time.ParseDuration(m.Timeout); err == nil && d > 0 {
		return d
	}
	return DefaultPluginTimeout
}

var validate = validator.New()

// ParseManifest decodes and validates a manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	// JSON is a subset of YAML, so one decoder serves both formats.
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.Version == "" {
		m.Version = "0.1.0"
	}
	if err := validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if m.Timeout != "" {
		if _, err := time.ParseDuration(m.Timeout); err != nil {
			return nil, fmt.Errorf("invalid manifest timeout %q: %w", m.Timeout, err)
		}
	}
	return &m, nil
}

// LoadPlugins reads every manifest under dir and builds its handler.
// Broken plugins are logged and skipped so one bad manifest does not
// disable the rest.
func LoadPlugins(ctx context.Context, dir string, logger zerolog.Logger) (map[string]Handler, error) {
	handlers := make(map[string]Handler)
	if dir == "" {
		return handlers, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return handlers, nil
	}

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isManifest(path) {
			return nil
		}
		h, m, err := loadPlugin(ctx, path)
		if err != nil {
			logger.Warn().Err(err).Str("manifest", path).Msg("skipping plugin")
			return nil
		}
		if _, dup := handlers[m.Name]; dup {
			logger.Warn().Str("plugin", m.Name).Str("manifest", path).Msg("duplicate plugin name, keeping the first")
			return nil
		}
		handlers[m.Name] = h
		logger.Info().Str("plugin", m.Name).Str("runtime", m.Runtime).Str("version", m.Version).Msg("plugin loaded")
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan plugin directory: %w", err)
	}
	return handlers, nil
}

func isManifest(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	for _, name := range []string{"plugin.yaml", "plugin.yml", "plugin.json", "manifest.yaml", "manifest.yml", "manifest.json"} {
		if base == name {
			return true
		}
	}
	return false
}

func loadPlugin(ctx context.Context, path string) (Handler, *Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, nil, err
	}
	m.Dir = filepath.Dir(path)

	code, err := os.ReadFile(m.EntryPath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read entrypoint: %w", err)
	}
	if m.Checksum != "" {
		sum := sha256.Sum256(code)
		if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, m.Checksum) {
			return nil, nil, fmt.Errorf("entrypoint checksum mismatch: expected %s, got %s", m.Checksum, got)
		}
	}

	switch m.Runtime {
	case RuntimeStarlark:
		h, err := NewStarlarkHandler(m.Name, string(code), m.RunTimeout())
		return h, m, err
	case RuntimeWASM:
		h, err := NewWASMHandler(ctx, m.Name, code, m.RunTimeout())
		return h, m, err
	default:
		return nil, nil, fmt.Errorf("unknown runtime %q", m.Runtime)
	}
}
