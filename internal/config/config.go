// Package config provides the configuration schema and loader for the
// gateway: server network settings, the whisper.cpp model configuration,
// and the per-session sliding-window settings applied to every session.
package config

import "runtime"

// Config is the root configuration structure for the gateway. Command-line
// flags are the primary configuration surface (see cmd/sttgateway); an
// optional YAML file loaded via [Load] can override any field a flag did not
// explicitly set.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Model   ModelConfig   `yaml:"model"`
	Session SessionConfig `yaml:"session"`
	Ledger  LedgerConfig  `yaml:"ledger"`
}

// ServerConfig holds network and logging settings for the gateway.
type ServerConfig struct {
	// Host is informational only (it is logged at startup); the listener
	// binds every interface on Port regardless of its value.
	Host string `yaml:"host"`

	// Port is the TCP port the server listens on.
	Port int `yaml:"port"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`

	// SampleRate is the PCM sample rate, in Hz, every session expects audio
	// to be encoded at.
	SampleRate int `yaml:"sample_rate"`
}

// LogLevel is a validated logging verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is one of the recognised log levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError, "":
		return true
	default:
		return false
	}
}

// ModelConfig selects and configures the whisper.cpp recognition engine.
type ModelConfig struct {
	// Path is the filesystem path to a whisper.cpp GGML/GGUF model file.
	Path string `yaml:"path"`

	// NoGPU records the --no-gpu flag. It is not passed to the whisper engine,
	// which is built from Path and MaxConcurrentInferences only, so GPU use
	// is whatever the binding selects by default.
	NoGPU bool `yaml:"no_gpu"`

	// MaxConcurrentInferences bounds how many Transcribe calls may run against
	// the loaded model at once. A whisper.cpp context is not safe for
	// unbounded concurrent use; 0 means the package default (1).
	MaxConcurrentInferences int64 `yaml:"max_concurrent_inferences"`
}

// SessionConfig holds the per-session sliding-window settings applied to
// every session. A client's "config" control message is acknowledged but
// does not change them.
type SessionConfig struct {
	StepMs    int `yaml:"step_ms"`
	LengthMs  int `yaml:"length_ms"`
	KeepMs    int `yaml:"keep_ms"`
	MaxTokens int `yaml:"max_tokens"`
	AudioCtx  int `yaml:"audio_ctx"`
	BeamSize  int `yaml:"beam_size"`
	Threads   int `yaml:"threads"`

	Translate    bool `yaml:"translate"`
	NoContext    bool `yaml:"no_context"`
	NoTimestamps bool `yaml:"no_timestamps"`
	Tinydiarize  bool `yaml:"tinydiarize"`
	NoFallback   bool `yaml:"no_fallback"`

	Temperature float32 `yaml:"temperature"`
	Language    string  `yaml:"language"`
}

// LedgerConfig configures the optional Postgres-backed session audit log.
// Leaving DSN empty disables the ledger entirely; sessions still run
// normally.
type LedgerConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Defaults returns the built-in configuration used when neither a flag nor a
// YAML overlay sets a value, matching spec.md §6's defaults table.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:       "127.0.0.1",
			Port:       8081,
			LogLevel:   LogInfo,
			SampleRate: 16000,
		},
		Model: ModelConfig{
			Path:                    "models/ggml-base.en.bin",
			MaxConcurrentInferences: 1,
		},
		Session: SessionConfig{
			StepMs:    3000,
			LengthMs:  10000,
			KeepMs:    200,
			MaxTokens: 32,
			BeamSize:  -1,
			Threads:   min(4, runtime.NumCPU()),
			NoContext: true,
			Language:  "en",
		},
	}
}
