package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultJobsConfig(t *testing.T) {
	cfg := DefaultJobsConfig()

	assert.Equal(t, "python3", cfg.PythonInterpreter)
	assert.Equal(t, "run_pageindex.py", cfg.ScriptName)
	assert.Equal(t, 20*time.Second, cfg.LogDetectTimeout)
	assert.Equal(t, 400*time.Millisecond, cfg.LogDetectInterval)
	assert.Equal(t, 2, cfg.PostExitDetectChecks)
	assert.Equal(t, 500*time.Millisecond, cfg.LogPollInterval)
	assert.Equal(t, 4, cfg.PostExitLogPolls)
	assert.Equal(t, 6*time.Second, cfg.CancelGracePeriod)
	assert.Equal(t, 300, cfg.StdoutTailLimit)
	assert.Equal(t, 400, cfg.ActivityLimit)
	assert.Equal(t, 200, cfg.SubscriberQueueSize)
	assert.Equal(t, 1<<20, cfg.UploadChunkSize)
}

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, []string{"http://localhost:5173", "http://127.0.0.1:5173"}, cfg.CORSOrigins)
}

func TestValidateJobs(t *testing.T) {
	tests := []struct {
		name    string
		jobs    *JobsConfig
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid defaults",
			jobs:    DefaultJobsConfig(),
			wantErr: false,
		},
		{
			name:    "nil jobs",
			jobs:    nil,
			wantErr: true,
			errMsg:  "jobs configuration is nil",
		},
		{
			name: "empty interpreter",
			jobs: func() *JobsConfig {
				c := DefaultJobsConfig()
				c.PythonInterpreter = ""
				return c
			}(),
			wantErr: true,
			errMsg:  "python_interpreter must not be empty",
		},
		{
			name: "zero detect timeout",
			jobs: func() *JobsConfig {
				c := DefaultJobsConfig()
				c.LogDetectTimeout = 0
				return c
			}(),
			wantErr: true,
			errMsg:  "log_detect_timeout must be positive",
		},
		{
			name: "negative post exit polls",
			jobs: func() *JobsConfig {
				c := DefaultJobsConfig()
				c.PostExitLogPolls = -1
				return c
			}(),
			wantErr: true,
			errMsg:  "post_exit_log_polls must be non-negative",
		},
		{
			name: "zero cancel grace",
			jobs: func() *JobsConfig {
				c := DefaultJobsConfig()
				c.CancelGracePeriod = 0
				return c
			}(),
			wantErr: true,
			errMsg:  "cancel_grace_period must be positive",
		},
		{
			name: "zero tail limit",
			jobs: func() *JobsConfig {
				c := DefaultJobsConfig()
				c.StdoutTailLimit = 0
				return c
			}(),
			wantErr: true,
			errMsg:  "stdout_tail_limit must be at least 1",
		},
		{
			name: "zero queue size",
			jobs: func() *JobsConfig {
				c := DefaultJobsConfig()
				c.SubscriberQueueSize = 0
				return c
			}(),
			wantErr: true,
			errMsg:  "subscriber_queue_size must be at least 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.jobs.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidateServer(t *testing.T) {
	tests := []struct {
		name    string
		server  *ServerConfig
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid defaults",
			server:  DefaultServerConfig(),
			wantErr: false,
		},
		{
			name:    "nil server",
			server:  nil,
			wantErr: true,
			errMsg:  "server configuration is nil",
		},
		{
			name: "port too high",
			server: func() *ServerConfig {
				c := DefaultServerConfig()
				c.Port = 70000
				return c
			}(),
			wantErr: true,
			errMsg:  "port must be between 1 and 65535",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.server.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("PAGEINDEX_HOST", "0.0.0.0")
	t.Setenv("PAGEINDEX_PORT", "9001")
	t.Setenv("PAGEINDEX_CORS_ORIGINS", "http://a.local, http://b.local ,")
	t.Setenv("PAGEINDEX_ROOT", t.TempDir())
	t.Setenv("PAGEINDEX_CHAT_MODEL", "gpt-4o-mini")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, []string{"http://a.local", "http://b.local"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "gpt-4o-mini", cfg.Chat.DefaultModel)
	assert.Equal(t, "sk-test", cfg.Chat.APIKey)
}

func TestFromEnvRejectsBadPort(t *testing.T) {
	t.Setenv("PAGEINDEX_PORT", "not-a-port")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PAGEINDEX_PORT")
}
