package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/yakGPT/yakGPT/internal/audio"
	"github.com/yakGPT/yakGPT/internal/chat"
	"github.com/yakGPT/yakGPT/internal/completion"
	"github.com/yakGPT/yakGPT/internal/config"
	"github.com/yakGPT/yakGPT/internal/httpapi"
	"github.com/yakGPT/yakGPT/internal/observability"
	"github.com/yakGPT/yakGPT/internal/session"
	"github.com/yakGPT/yakGPT/internal/speech"
	"github.com/yakGPT/yakGPT/internal/store"
	"github.com/yakGPT/yakGPT/internal/tokens"
	"github.com/yakGPT/yakGPT/internal/transcribe"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		slog.Error("dotenv error", "err", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg)

	catalog, err := chat.LoadCatalog(cfg.ModelCatalogPath)
	if err != nil {
		logger.Error("model catalog load failed", "path", cfg.ModelCatalogPath, "err", err)
		os.Exit(1)
	}
	counter, err := tokens.NewCounter(cfg.TokenizerEncoding)
	if err != nil {
		logger.Warn("tokenizer unavailable, estimating token counts", "encoding", cfg.TokenizerEncoding, "err", err)
	}
	completions := completion.NewClient(completion.Config{
		BaseURL: cfg.OpenAIBaseURL,
		Catalog: catalog,
		Counter: counter,
		Logger:  logger,
	})
	whisper := transcribe.NewWhisper(transcribe.WhisperConfig{
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.WhisperModel,
	})

	var recognizer transcribe.Recognizer
	if cfg.ElevenLabsAPIKey != "" {
		recognizer = transcribe.NewElevenLabsRecognizer(transcribe.ElevenLabsConfig{
			APIKey:    cfg.ElevenLabsAPIKey,
			WSBaseURL: cfg.ElevenLabsWSBaseURL,
			ModelID:   cfg.ElevenLabsSTTModel,
			Logger:    logger,
		})
	} else {
		logger.Info("streaming dictation disabled: ELEVENLABS_API_KEY is not set")
	}

	stateStore, err := store.Open(ctx, store.Config{
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.StateDBPath,
	})
	if err != nil {
		logger.Error("state store init failed", "err", err)
		os.Exit(1)
	}
	defer stateStore.Close()

	speechFactory := newSpeechFactory(cfg)
	sessions := session.NewManager(cfg.SessionInactivityTimeout, func(ctx context.Context, id, userID string) (*session.ChatSession, error) {
		return session.New(ctx, session.Config{
			ID:              id,
			UserID:          userID,
			Store:           stateStore,
			Completion:      completions,
			APIKey:          cfg.OpenAIAPIKey,
			Whisper:         whisper,
			Recognizer:      recognizer,
			Speech:          speechFactory,
			CaptureEncoding: audio.EncodingPCM16,
			RecorderIdle:    cfg.RecorderIdleTimeout,
			SpeechInterval:  cfg.TTSDriverInterval,
			SpeechRate:      rate.Limit(cfg.TTSRatePerSec),
			Metrics:         metrics,
			Logger:          logger,
		})
	})
	sessions.SetExpireHook(func(info session.Info) {
		logger.Info("session expired", "session_id", info.ID, "user_id", info.UserID, "actions", info.Actions)
		metrics.ObserveSessionEvent("expired")
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})
	sessions.StartJanitor(ctx, 5*time.Second)

	api := httpapi.New(cfg, sessions, completions, metrics, reg, logger)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr, "tts_provider", cfg.TTSProvider)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "err", err)
		_ = httpServer.Close()
	}
	sessions.CloseAll()

	logger.Info("shutdown complete")
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// newSpeechFactory builds the per-settings synthesis provider. A nil factory
// turns spoken replies off.
func newSpeechFactory(cfg config.Config) session.SpeechFactory {
	switch cfg.TTSProvider {
	case "azure":
		return func(settings chat.SettingsForm) speech.Provider {
			return speech.NewAzureProvider(speech.AzureConfig{
				APIKey: cfg.AzureAPIKey,
				Region: cfg.AzureRegion,
				Voice:  settings.VoiceIDAzure,
				Style:  settings.SpokenLanguageStyle,
			})
		}
	case "elevenlabs":
		return func(settings chat.SettingsForm) speech.Provider {
			return speech.NewElevenLabsProvider(speech.ElevenLabsConfig{
				APIKey:  cfg.ElevenLabsAPIKey,
				VoiceID: settings.VoiceID,
				ModelID: cfg.ElevenLabsTTSModel,
				BaseURL: cfg.ElevenLabsBaseURL,
			})
		}
	default:
		return nil
	}
}
