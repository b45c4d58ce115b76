// Package config provides the configuration schema and loader for the
// voicepipe agent.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "5m"
// or "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Providers ProvidersConfig `yaml:"providers"`
	Avatar    AvatarConfig    `yaml:"avatar"`
	Vision    VisionConfig    `yaml:"vision"`
	Audio     AudioConfig     `yaml:"audio"`
}

// ServerConfig holds the health/metrics endpoint and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for the health and metrics endpoints
	// (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// SessionConfig shapes the conversation itself.
type SessionConfig struct {
	// SystemPrompt is the persona instruction injected at slot 0 of every
	// conversation.
	SystemPrompt string `yaml:"system_prompt"`

	// Greeting is spoken as soon as the transport is ready, without a model
	// round trip. Empty disables the greeting.
	Greeting string `yaml:"greeting"`

	// Language is the BCP-47 recognition language tag (e.g., "en-US").
	Language string `yaml:"language"`

	// IdleTimeout cancels the session after this long without caller audio.
	// Zero selects the default: 30 minutes with an avatar, 5 minutes without.
	IdleTimeout Duration `yaml:"idle_timeout"`
}

// ProvidersConfig declares the provider for each pipeline stage.
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	LLM LLMEntry      `yaml:"llm"`
	TTS TTSEntry      `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. APIKey supports ${ENV_VAR} expansion so secrets stay out of the
// config file.
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "nova-2").
	Model string `yaml:"model"`
}

// LLMEntry extends ProviderEntry with generation settings.
type LLMEntry struct {
	ProviderEntry `yaml:",inline"`

	// Temperature controls output randomness in [0.0, 2.0].
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps completion length. Zero uses the provider default.
	MaxTokens int `yaml:"max_tokens"`
}

// TTSEntry extends ProviderEntry with voice settings.
type TTSEntry struct {
	ProviderEntry `yaml:",inline"`

	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// SampleRate is the PCM output rate in Hz. Zero uses the provider default.
	SampleRate int `yaml:"sample_rate"`

	// SpeedFactor adjusts speaking rate in the range [0.5, 2.0]. 0 means
	// provider default.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// AvatarConfig enables the optional video avatar renderer.
type AvatarConfig struct {
	// Enabled turns avatar rendering on. When the renderer fails the session
	// degrades to voice-only rather than ending.
	Enabled bool `yaml:"enabled"`

	// APIKey authenticates with the avatar service. Supports ${ENV_VAR}.
	APIKey string `yaml:"api_key"`

	// AvatarID selects the rendered character.
	AvatarID string `yaml:"avatar_id"`
}

// VisionConfig shapes camera snapshot capture and attachment.
type VisionConfig struct {
	// AttachMode is "always", "never", or "auto" (keyword-triggered).
	// Empty means auto.
	AttachMode string `yaml:"attach_mode"`

	// FrameInterval is the minimum spacing between captured camera frames.
	// Zero selects the 1s default.
	FrameInterval Duration `yaml:"frame_interval"`

	// SnapshotMaxAge is how long a snapshot stays attachable. Zero selects
	// the 5s default.
	SnapshotMaxAge Duration `yaml:"snapshot_max_age"`
}

// AudioConfig shapes the outbound audio path.
type AudioConfig struct {
	// BackgroundTrack is a WAV file path or URL looped under synthesized
	// speech. Empty disables background audio.
	BackgroundTrack string `yaml:"background_track"`

	// BackgroundGain scales the background track in [0.0, 1.0]. 0 disables
	// mixing even when a track is configured.
	BackgroundGain float64 `yaml:"background_gain"`
}
