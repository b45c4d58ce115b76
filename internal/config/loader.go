package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/phonesys/voicepipe/internal/vision"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to reject unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram"},
	"llm": {"openai", "xai"},
	"tts": {"cartesia"},
}

// ValidationError is the fatal startup error produced when the configuration
// is incoherent. It joins every field error found so a single run surfaces
// all problems.
type ValidationError struct {
	Errs []error
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: %v", errors.Join(e.Errs...))
}

// Unwrap exposes the joined field errors for errors.Is/As.
func (e *ValidationError) Unwrap() error { return errors.Join(e.Errs...) }

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, expands ${ENV_VAR} references
// in secret fields, and validates the result. Useful in tests where configs
// are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandSecrets(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandSecrets resolves ${ENV_VAR} references in the credential fields so
// keys never have to live in the file itself.
func expandSecrets(cfg *Config) {
	cfg.Providers.STT.APIKey = os.ExpandEnv(cfg.Providers.STT.APIKey)
	cfg.Providers.LLM.APIKey = os.ExpandEnv(cfg.Providers.LLM.APIKey)
	cfg.Providers.TTS.APIKey = os.ExpandEnv(cfg.Providers.TTS.APIKey)
	cfg.Avatar.APIKey = os.ExpandEnv(cfg.Avatar.APIKey)
}

// Validate checks that cfg contains a coherent set of values. It returns a
// *ValidationError listing all failures found, or nil.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	errs = appendProviderErrs(errs, "stt", cfg.Providers.STT.Name)
	errs = appendProviderErrs(errs, "llm", cfg.Providers.LLM.Name)
	errs = appendProviderErrs(errs, "tts", cfg.Providers.TTS.Name)

	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}

	if t := cfg.Providers.LLM.Temperature; t < 0 || t > 2.0 {
		errs = append(errs, fmt.Errorf("providers.llm.temperature %.2f is out of range [0.0, 2.0]", t))
	}
	if sf := cfg.Providers.TTS.SpeedFactor; sf != 0 && (sf < 0.5 || sf > 2.0) {
		errs = append(errs, fmt.Errorf("providers.tts.speed_factor %.2f is out of range [0.5, 2.0]", sf))
	}
	if cfg.Providers.TTS.Name != "" && cfg.Providers.TTS.VoiceID == "" {
		errs = append(errs, errors.New("providers.tts.voice_id is required"))
	}

	if cfg.Avatar.Enabled && cfg.Avatar.APIKey == "" {
		errs = append(errs, errors.New("avatar.api_key is required when avatar.enabled is true"))
	}

	if m := cfg.Vision.AttachMode; m != "" && !vision.AttachMode(m).IsValid() {
		errs = append(errs, fmt.Errorf("vision.attach_mode %q is invalid; valid values: always, never, auto", m))
	}
	if cfg.Vision.FrameInterval < 0 {
		errs = append(errs, errors.New("vision.frame_interval must not be negative"))
	}
	if cfg.Vision.SnapshotMaxAge < 0 {
		errs = append(errs, errors.New("vision.snapshot_max_age must not be negative"))
	}

	if g := cfg.Audio.BackgroundGain; g < 0 || g > 1.0 {
		errs = append(errs, fmt.Errorf("audio.background_gain %.2f is out of range [0.0, 1.0]", g))
	}
	if cfg.Session.IdleTimeout < 0 {
		errs = append(errs, errors.New("session.idle_timeout must not be negative"))
	}

	if len(errs) > 0 {
		return &ValidationError{Errs: errs}
	}
	return nil
}

func appendProviderErrs(errs []error, kind, name string) []error {
	if name == "" {
		return errs
	}
	known := ValidProviderNames[kind]
	if slices.Contains(known, name) {
		return errs
	}
	return append(errs, fmt.Errorf("providers.%s.name %q is unknown; valid values: %v", kind, name, known))
}
