package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, starting from [Defaults],
// and returns a validated [Config]. It is a convenience wrapper around
// [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML overlay from r on top of [Defaults] and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port))
	}
	if cfg.Server.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("server.sample_rate must be positive, got %d", cfg.Server.SampleRate))
	}

	if cfg.Model.MaxConcurrentInferences < 0 {
		errs = append(errs, fmt.Errorf("model.max_concurrent_inferences must be >= 0, got %d", cfg.Model.MaxConcurrentInferences))
	}

	if cfg.Session.StepMs <= 0 {
		errs = append(errs, fmt.Errorf("session.step_ms must be positive, got %d", cfg.Session.StepMs))
	}
	if cfg.Session.LengthMs <= 0 {
		errs = append(errs, fmt.Errorf("session.length_ms must be positive, got %d", cfg.Session.LengthMs))
	}
	if cfg.Session.KeepMs < 0 {
		errs = append(errs, fmt.Errorf("session.keep_ms must be >= 0, got %d", cfg.Session.KeepMs))
	}
	if cfg.Session.Temperature < 0 || cfg.Session.Temperature > 1 {
		errs = append(errs, fmt.Errorf("session.temperature %.2f is out of range [0, 1]", cfg.Session.Temperature))
	}

	return errors.Join(errs...)
}

// BindFlags registers the gateway's command-line flags against fs, reading
// defaults from cfg and writing results back into cfg on Parse. This mirrors
// the flags named in spec.md §6: --port, --host, --model, --no-gpu, plus
// --config for an optional YAML overlay applied before flags are parsed.
func BindFlags(fs *flag.FlagSet, cfg *Config) (configPath *string) {
	fs.StringVar(&cfg.Server.Host, "host", cfg.Server.Host, "host name (informational; the server binds every interface)")
	fs.IntVar(&cfg.Server.Port, "port", cfg.Server.Port, "port to listen on")
	fs.StringVar(&cfg.Model.Path, "model", cfg.Model.Path, "path to a whisper.cpp model file")
	fs.BoolVar(&cfg.Model.NoGPU, "no-gpu", cfg.Model.NoGPU, "disable GPU offload (stored in the config; not passed to the recognition engine)")
	return fs.String("config", "", "optional YAML config file; flags given on the command line take precedence over it")
}
