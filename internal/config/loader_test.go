package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/phonesys/voicepipe/internal/config"
)

const validYAML = `
server:
  listen_addr: ":8080"
  log_level: info
session:
  system_prompt: "You are a friendly phone agent."
  greeting: "Hi! How can I help?"
  language: en-US
  idle_timeout: 5m
providers:
  stt:
    name: deepgram
    api_key: dg-key
    model: nova-2
  llm:
    name: openai
    api_key: sk-key
    model: gpt-4o
    temperature: 0.7
  tts:
    name: cartesia
    api_key: ct-key
    voice_id: v-123
    sample_rate: 24000
vision:
  attach_mode: auto
audio:
  background_gain: 0.15
`

func TestLoadValidConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.STT.Name != "deepgram" {
		t.Errorf("stt name = %q", cfg.Providers.STT.Name)
	}
	if cfg.Providers.LLM.Temperature != 0.7 {
		t.Errorf("temperature = %v", cfg.Providers.LLM.Temperature)
	}
	if cfg.Providers.TTS.VoiceID != "v-123" {
		t.Errorf("voice_id = %q", cfg.Providers.TTS.VoiceID)
	}
	if cfg.Session.IdleTimeout.Std() != 5*time.Minute {
		t.Errorf("idle_timeout = %v", cfg.Session.IdleTimeout)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	yaml := validYAML + "\nunknown_section:\n  foo: bar\n"
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown top-level field, got nil")
	}
}

func TestValidateMissingProviders(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: info\n"))
	if err == nil {
		t.Fatal("expected error for missing providers, got nil")
	}
	var verr *config.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
	msg := err.Error()
	for _, want := range []string{"providers.stt.name", "providers.llm.name", "providers.tts.name"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error should mention %s, got: %v", want, msg)
		}
	}
}

func TestValidateJoinsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
providers:
  stt:
    name: deepgram
  llm:
    name: openai
    temperature: 3.5
  tts:
    name: cartesia
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	msg := err.Error()
	if !strings.Contains(msg, "log_level") {
		t.Errorf("error should mention log_level, got: %v", msg)
	}
	if !strings.Contains(msg, "temperature") {
		t.Errorf("error should mention temperature, got: %v", msg)
	}
	if !strings.Contains(msg, "voice_id") {
		t.Errorf("error should mention voice_id, got: %v", msg)
	}
}

func TestValidateUnknownProviderName(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(validYAML, "name: deepgram", "name: whosthis", 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown provider name, got nil")
	}
	if !strings.Contains(err.Error(), "whosthis") {
		t.Errorf("error should name the unknown provider, got: %v", err)
	}
}

func TestValidateAvatarRequiresKey(t *testing.T) {
	t.Parallel()
	yaml := validYAML + "\navatar:\n  enabled: true\n"
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for avatar without api_key, got nil")
	}
	if !strings.Contains(err.Error(), "avatar.api_key") {
		t.Errorf("error should mention avatar.api_key, got: %v", err)
	}
}

func TestValidateAttachMode(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(validYAML, "attach_mode: auto", "attach_mode: sometimes", 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid attach_mode, got nil")
	}
}

func TestSecretExpansion(t *testing.T) {
	t.Setenv("VOICEPIPE_TEST_KEY", "expanded-secret")
	yaml := strings.Replace(validYAML, "api_key: dg-key", "api_key: ${VOICEPIPE_TEST_KEY}", 1)
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.STT.APIKey != "expanded-secret" {
		t.Errorf("api_key = %q, want expanded-secret", cfg.Providers.STT.APIKey)
	}
}

func TestValidateBackgroundGainRange(t *testing.T) {
	t.Parallel()
	yaml := strings.Replace(validYAML, "background_gain: 0.15", "background_gain: 1.5", 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for out-of-range background_gain, got nil")
	}
}
