// Package config holds the runtime configuration for the service: HTTP
// binding, job supervisor tunables, and chat pipeline settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the umbrella configuration object assembled at startup.
type Config struct {
	Server *ServerConfig
	Jobs   *JobsConfig
	Chat   *ChatConfig
}

// ServerConfig contains the HTTP listener settings.
type ServerConfig struct {
	// Host is the bind address.
	Host string

	// Port is the listen port.
	Port int

	// CORSOrigins is the browser origin allow-list. LAN dev tool, not a
	// security boundary.
	CORSOrigins []string
}

// JobsConfig contains the job supervisor tunables. The timing defaults match
// the pacing of the indexer CLI: its log file appears within seconds of
// launch and is rewritten as a whole JSON array while it grows.
type JobsConfig struct {
	// RootDir is the directory the indexer runs in. The indexer script,
	// logs/, results/, and the .pageindex-web state directory all live
	// under it.
	RootDir string

	// PythonInterpreter launches the indexer script.
	PythonInterpreter string

	// ScriptName is the indexer entrypoint, resolved against RootDir.
	ScriptName string

	// LogDetectTimeout bounds how long after launch a new log file is
	// looked for under logs/.
	LogDetectTimeout time.Duration

	// LogDetectInterval is the scan pacing during log detection.
	LogDetectInterval time.Duration

	// PostExitDetectChecks is how many detection scans may still run after
	// the subprocess exits.
	PostExitDetectChecks int

	// LogPollInterval is the re-read pacing of an attached log file.
	LogPollInterval time.Duration

	// PostExitLogPolls is how many log polls may still run after exit so
	// the final entries are consumed.
	PostExitLogPolls int

	// CancelGracePeriod is how long a cancelled subprocess gets between
	// SIGTERM and SIGKILL.
	CancelGracePeriod time.Duration

	// StdoutTailLimit bounds the stdout_tail ring kept on each job.
	StdoutTailLimit int

	// ActivityLimit bounds the activity ring kept on each job.
	ActivityLimit int

	// SubscriberQueueSize bounds each job event subscriber queue.
	SubscriberQueueSize int

	// UploadChunkSize bounds the copy buffer while streaming uploads to
	// disk.
	UploadChunkSize int
}

// ChatConfig contains the chat pipeline settings.
type ChatConfig struct {
	// DefaultModel is used when a job carries no model option.
	DefaultModel string

	// APIKey authenticates against the OpenAI-compatible endpoint.
	APIKey string

	// BaseURL overrides the API endpoint; empty means the platform default.
	BaseURL string

	// SubscriberQueueSize bounds each chat run event subscriber queue.
	SubscriberQueueSize int
}

// DefaultServerConfig returns the built-in HTTP defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:        "127.0.0.1",
		Port:        8000,
		CORSOrigins: []string{"http://localhost:5173", "http://127.0.0.1:5173"},
	}
}

// DefaultJobsConfig returns the built-in job supervisor defaults.
func DefaultJobsConfig() *JobsConfig {
	return &JobsConfig{
		RootDir:              ".",
		PythonInterpreter:    "python3",
		ScriptName:           "run_pageindex.py",
		LogDetectTimeout:     20 * time.Second,
		LogDetectInterval:    400 * time.Millisecond,
		PostExitDetectChecks: 2,
		LogPollInterval:      500 * time.Millisecond,
		PostExitLogPolls:     4,
		CancelGracePeriod:    6 * time.Second,
		StdoutTailLimit:      300,
		ActivityLimit:        400,
		SubscriberQueueSize:  200,
		UploadChunkSize:      1 << 20,
	}
}

// DefaultChatConfig returns the built-in chat defaults.
func DefaultChatConfig() *ChatConfig {
	return &ChatConfig{
		DefaultModel:        "gpt-4.1",
		SubscriberQueueSize: 500,
	}
}

// FromEnv builds the configuration from defaults plus environment overrides:
//
//	PAGEINDEX_HOST, PAGEINDEX_PORT, PAGEINDEX_CORS_ORIGINS (comma separated),
//	PAGEINDEX_ROOT, PAGEINDEX_PYTHON, PAGEINDEX_CHAT_MODEL,
//	OPENAI_API_KEY, OPENAI_BASE_URL
func FromEnv() (*Config, error) {
	cfg := &Config{
		Server: DefaultServerConfig(),
		Jobs:   DefaultJobsConfig(),
		Chat:   DefaultChatConfig(),
	}

	cfg.Server.Host = getEnv("PAGEINDEX_HOST", cfg.Server.Host)
	if portStr := os.Getenv("PAGEINDEX_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid PAGEINDEX_PORT %q: %w", portStr, err)
		}
		cfg.Server.Port = port
	}
	if origins := os.Getenv("PAGEINDEX_CORS_ORIGINS"); origins != "" {
		cfg.Server.CORSOrigins = nil
		for _, origin := range strings.Split(origins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.Server.CORSOrigins = append(cfg.Server.CORSOrigins, origin)
			}
		}
	}

	if root := os.Getenv("PAGEINDEX_ROOT"); root != "" {
		cfg.Jobs.RootDir = root
	} else if wd, err := os.Getwd(); err == nil {
		cfg.Jobs.RootDir = wd
	}
	cfg.Jobs.PythonInterpreter = getEnv("PAGEINDEX_PYTHON", cfg.Jobs.PythonInterpreter)

	cfg.Chat.DefaultModel = getEnv("PAGEINDEX_CHAT_MODEL", cfg.Chat.DefaultModel)
	cfg.Chat.APIKey = os.Getenv("OPENAI_API_KEY")
	cfg.Chat.BaseURL = os.Getenv("OPENAI_BASE_URL")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the whole configuration tree.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Jobs.Validate(); err != nil {
		return err
	}
	return c.Chat.Validate()
}

// Validate checks the HTTP listener settings.
func (c *ServerConfig) Validate() error {
	if c == nil {
		return errors.New("server configuration is nil")
	}
	if c.Host == "" {
		return errors.New("host must not be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	return nil
}

// Validate checks the job supervisor tunables.
func (c *JobsConfig) Validate() error {
	if c == nil {
		return errors.New("jobs configuration is nil")
	}
	if c.RootDir == "" {
		return errors.New("root_dir must not be empty")
	}
	if c.PythonInterpreter == "" {
		return errors.New("python_interpreter must not be empty")
	}
	if c.ScriptName == "" {
		return errors.New("script_name must not be empty")
	}
	if c.LogDetectTimeout <= 0 {
		return errors.New("log_detect_timeout must be positive")
	}
	if c.LogDetectInterval <= 0 {
		return errors.New("log_detect_interval must be positive")
	}
	if c.PostExitDetectChecks < 0 {
		return errors.New("post_exit_detect_checks must be non-negative")
	}
	if c.LogPollInterval <= 0 {
		return errors.New("log_poll_interval must be positive")
	}
	if c.PostExitLogPolls < 0 {
		return errors.New("post_exit_log_polls must be non-negative")
	}
	if c.CancelGracePeriod <= 0 {
		return errors.New("cancel_grace_period must be positive")
	}
	if c.StdoutTailLimit < 1 {
		return errors.New("stdout_tail_limit must be at least 1")
	}
	if c.ActivityLimit < 1 {
		return errors.New("activity_limit must be at least 1")
	}
	if c.SubscriberQueueSize < 1 {
		return errors.New("subscriber_queue_size must be at least 1")
	}
	if c.UploadChunkSize < 1 {
		return errors.New("upload_chunk_size must be at least 1")
	}
	return nil
}

// Validate checks the chat settings. The API key is deliberately not
// required here: job management works without one, and the chat manager
// reports LLM failures per run.
func (c *ChatConfig) Validate() error {
	if c == nil {
		return errors.New("chat configuration is nil")
	}
	if c.DefaultModel == "" {
		return errors.New("default_model must not be empty")
	}
	if c.SubscriberQueueSize < 1 {
		return errors.New("subscriber_queue_size must be at least 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
