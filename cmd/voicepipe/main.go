// Command voicepipe runs the real-time conversational voice/video agent
// server: it accepts call legs over the WebSocket bridge, runs one pipeline
// session per call, and serves health and metrics endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/phonesys/voicepipe/internal/app"
	"github.com/phonesys/voicepipe/internal/avatar"
	"github.com/phonesys/voicepipe/internal/config"
	"github.com/phonesys/voicepipe/internal/health"
	"github.com/phonesys/voicepipe/internal/observe"
	"github.com/phonesys/voicepipe/pkg/provider/avatarsvc"
	"github.com/phonesys/voicepipe/pkg/provider/llm"
	"github.com/phonesys/voicepipe/pkg/provider/llm/openai"
	"github.com/phonesys/voicepipe/pkg/provider/stt"
	"github.com/phonesys/voicepipe/pkg/provider/stt/deepgram"
	"github.com/phonesys/voicepipe/pkg/provider/tts"
	"github.com/phonesys/voicepipe/pkg/provider/tts/cartesia"
	"github.com/phonesys/voicepipe/pkg/transport/wsbridge"
)

// version is stamped at build time via -ldflags.
var version = "dev"

const (
	defaultListenAddr = ":8080"
	shutdownGrace     = 15 * time.Second
	xaiBaseURL        = "https://api.x.ai/v1"
)

func main() {
	os.Exit(run())
}

func run() int {
	// A .env file is optional; real deployments set the environment
	// directly.
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicepipe: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicepipe: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	listenAddr := cfg.Server.ListenAddr
	if listenAddr == "" {
		listenAddr = defaultListenAddr
	}

	slog.Info("voicepipe starting",
		"version", version,
		"config", *configPath,
		"listen_addr", listenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voicepipe",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	gateway := wsbridge.NewGateway(logger)

	providers, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}
	providers.Transport = gateway

	application, err := app.New(cfg, *providers, app.WithLogger(logger))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	srv := health.NewServer(listenAddr, logger, buildCheckers(providers)...)
	srv.Handle("GET /call", gateway)

	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Run(ctx) }()

	printStartupSummary(cfg, listenAddr)
	slog.Info("server ready — press Ctrl+C to shut down")

	// One session per accepted call leg.
	var sessions sync.WaitGroup
	for {
		select {
		case callID := <-gateway.Offers():
			sessions.Add(1)
			go func() {
				defer sessions.Done()
				if err := application.RunSession(ctx, callID); err != nil && !errors.Is(err, context.Canceled) {
					slog.Error("session ended with error", "call_id", callID, "err", err)
				}
			}()
		case err := <-srvErr:
			if err != nil {
				slog.Error("http server error", "err", err)
				return 1
			}
		case <-ctx.Done():
			slog.Info("shutdown signal received, draining sessions")
			if !waitTimeout(&sessions, shutdownGrace) {
				slog.Warn("shutdown grace expired with sessions still running")
			}
			slog.Info("goodbye")
			return 0
		}
	}
}

// buildProviders instantiates the providers named in cfg. Transport is left
// for the caller to fill in.
func buildProviders(cfg *config.Config) (*app.Providers, error) {
	ps := &app.Providers{}

	sttProvider, err := buildSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	ps.STT = sttProvider
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	llmProvider, err := buildLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	ps.LLM = llmProvider
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)

	ttsProvider, err := buildTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	ps.TTS = ttsProvider
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)

	if cfg.Avatar.Enabled {
		av, err := buildAvatar(cfg.Avatar)
		if err != nil {
			return nil, fmt.Errorf("create avatar session: %w", err)
		}
		ps.Avatar = av
		slog.Info("provider created", "kind", "avatar", "avatar_id", cfg.Avatar.AvatarID)
	}

	return ps, nil
}

func buildSTT(entry config.ProviderEntry) (stt.Provider, error) {
	switch entry.Name {
	case "deepgram":
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		return deepgram.New(entry.APIKey, opts...)
	default:
		return nil, fmt.Errorf("unknown stt provider %q", entry.Name)
	}
}

func buildLLM(entry config.LLMEntry) (llm.Provider, error) {
	switch entry.Name {
	case "openai":
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	case "xai":
		// xAI exposes an OpenAI-compatible API.
		base := entry.BaseURL
		if base == "" {
			base = xaiBaseURL
		}
		return openai.New(entry.APIKey, entry.Model, openai.WithBaseURL(base))
	default:
		return nil, fmt.Errorf("unknown llm provider %q", entry.Name)
	}
}

// buildTTS returns a per-session provider factory. Synthesis holds a
// persistent websocket, so every call constructs its own provider instead of
// multiplexing one connection.
func buildTTS(entry config.TTSEntry) (tts.Factory, error) {
	switch entry.Name {
	case "cartesia":
		var opts []cartesia.Option
		if entry.Model != "" {
			opts = append(opts, cartesia.WithModel(entry.Model))
		}
		if entry.SampleRate > 0 {
			opts = append(opts, cartesia.WithSampleRate(entry.SampleRate))
		}
		// Fail at startup, not on the first call, when the key is missing.
		if _, err := cartesia.New(entry.APIKey, opts...); err != nil {
			return nil, err
		}
		return func() (tts.Provider, error) {
			return cartesia.New(entry.APIKey, opts...)
		}, nil
	default:
		return nil, fmt.Errorf("unknown tts provider %q", entry.Name)
	}
}

// buildAvatar returns a per-session renderer factory; avatar sessions are
// single-use and never shared across calls.
func buildAvatar(cfg config.AvatarConfig) (avatar.Factory, error) {
	var opts []avatarsvc.Option
	if cfg.AvatarID != "" {
		opts = append(opts, avatarsvc.WithAvatarID(cfg.AvatarID))
	}
	if _, err := avatarsvc.NewSession(cfg.APIKey, opts...); err != nil {
		return nil, err
	}
	return func() (avatar.Service, error) {
		return avatarsvc.NewSession(cfg.APIKey, opts...)
	}, nil
}

// buildCheckers wires the readiness probes. The TTS voice listing doubles as
// an auth and reachability check; STT and LLM offer no call that is both
// cheap and side-effect free, so readiness covers the synthesis path only.
func buildCheckers(ps *app.Providers) []health.Checker {
	probe, err := ps.TTS()
	if err != nil {
		return nil
	}
	return []health.Checker{{
		Name: "tts",
		Check: func(ctx context.Context) error {
			_, err := probe.ListVoices(ctx)
			return err
		},
	}}
}

// waitTimeout waits for wg up to d. Returns false on timeout.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, listenAddr string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voicepipe — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	if cfg.Avatar.Enabled {
		printProvider("Avatar", cfg.Avatar.AvatarID, "")
	} else {
		printProvider("Avatar", "", "")
	}
	if cfg.Audio.BackgroundTrack != "" {
		fmt.Printf("║  Background      : %-19s ║\n", "enabled")
	} else {
		fmt.Printf("║  Background      : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  Listen addr     : %-19s ║\n", listenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
