package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBytesDefaults(t *testing.T) {
	cfg, err := LoadBytes([]byte(``))
	require.NoError(t, err)

	assert.Equal(t, 8790, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "missiond", cfg.Tracing.ServiceName)
	assert.Equal(t, "openai", cfg.Planner.Kind)
	assert.Equal(t, 4, cfg.Pipeline.MaxConcurrentDispatch)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.InitialBackoff.Duration())
}

func TestLoadBytes(t *testing.T) {
	cfg, err := LoadBytes([]byte(`
server:
  port: 9000
logging:
  level: debug
  format: console
planner:
  kind: openai
  model: local-model
  base_url: "http://localhost:8080/v1"
  token: "sk-secret"
pipeline:
  max_concurrent_dispatch: 2
providers:
  - descriptor:
      name: pubmed
      domain: bioinformatics
      category: data
      capabilities: [search]
    command: /usr/local/bin/pubmed-mcp
`))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "local-model", cfg.Planner.Model)
	assert.Equal(t, "sk-secret", cfg.Planner.Token.Value())
	assert.Equal(t, 2, cfg.Pipeline.MaxConcurrentDispatch)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "pubmed", cfg.Providers[0].Descriptor.Name)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "bad port",
			yaml:    "server:\n  port: 70000\n",
			wantErr: "server port",
		},
		{
			name:    "bad log level",
			yaml:    "logging:\n  level: verbose\n",
			wantErr: "logging level",
		},
		{
			name:    "bad planner kind",
			yaml:    "planner:\n  kind: oracle\n",
			wantErr: "planner kind",
		},
		{
			name:    "intake without spool dir",
			yaml:    "intake:\n  enabled: true\n",
			wantErr: "spool_dir",
		},
		{
			name:    "provider without command",
			yaml:    "providers:\n  - descriptor:\n      name: pubmed\n",
			wantErr: "command is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("sk-very-secret")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "sk-very-secret", s.Value())
	assert.True(t, s.IsSet())

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(data))

	assert.False(t, Secret("").IsSet())
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
