package telemetry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigakumar/mahiLLM-openai-style/pkg/config"
)

func TestLoggerWritesJSONFields(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	path := filepath.Join(t.TempDir(), "mahi.log")

	logger, err := NewLogger(config.LoggingConfig{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)

	logger.NewComponentLogger("dispatch").
		WithPlanID("p1").
		WithStepID("s1").
		WithBackend("gpu").
		WithCapability("query").
		Debug().Msg("dispatching")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &line))
	assert.Equal(t, "dispatch", line["component"])
	assert.Equal(t, "p1", line["plan_id"])
	assert.Equal(t, "s1", line["step_id"])
	assert.Equal(t, "gpu", line["backend"])
	assert.Equal(t, "query", line["capability"])
	assert.Equal(t, "dispatching", line["message"])
}

func TestLogLevelFromEnvironment(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")

	logger, err := NewLogger(config.LoggingConfig{Level: "debug", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	assert.Equal(t, zerolog.ErrorLevel, logger.Zerolog().GetLevel())
}

func TestLoggerContext(t *testing.T) {
	logger := NewNopLogger().WithPlanID("p1")
	ctx := logger.WithContext(context.Background())

	assert.Same(t, logger, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"trace": zerolog.TraceLevel,
		"debug": zerolog.DebugLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"loud":  zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
