package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/Only-tech/agglo-transcribe/internal/audio"
	"github.com/Only-tech/agglo-transcribe/internal/config"
	"github.com/Only-tech/agglo-transcribe/internal/inbox"
	"github.com/Only-tech/agglo-transcribe/internal/metrics"
	"github.com/Only-tech/agglo-transcribe/internal/server"
	"github.com/Only-tech/agglo-transcribe/internal/session"
	"github.com/Only-tech/agglo-transcribe/internal/transcript"
	"github.com/Only-tech/agglo-transcribe/internal/transcription"
)

func NewServeCmd(deps *Dependencies) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the transcription service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, deps.Config, deps.Logger)
		},
	}

	return cmd
}

// engineConfig maps the file configuration onto the engine factory
func engineConfig(cfg config.TranscriptionConfig) transcription.Config {
	return transcription.Config{
		Backend: cfg.Backend,
		Local: transcription.LocalConfig{
			Command:       cfg.Local.Command,
			Args:          cfg.Local.Args,
			Timeout:       cfg.Local.GetTimeoutDuration(),
			MaxConcurrent: cfg.Local.MaxConcurrent,
		},
		Remote: transcription.RemoteConfig{
			Endpoint:       cfg.Remote.Endpoint,
			APIKey:         cfg.Remote.APIKey,
			Model:          cfg.Remote.Model,
			Language:       cfg.Remote.Language,
			Timeout:        cfg.Remote.GetTimeoutDuration(),
			MaxRetries:     cfg.Remote.MaxRetries,
			MaxConcurrent:  cfg.Remote.MaxConcurrent,
			ResponseFormat: cfg.Remote.OutputFormat,
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
	)

	logger.Info("Configuration loaded",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		slog.String("backend", cfg.Transcription.Backend),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("min_bytes", cfg.Audio.MinBytes),
		slog.Bool("inbox_enabled", cfg.Inbox.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)

	engine, err := transcription.New(engineConfig(cfg.Transcription), logger)
	if err != nil {
		return fmt.Errorf("failed to create transcription engine: %w", err)
	}

	converter := audio.NewConverter(audio.ConverterConfig{
		FFmpegPath:  cfg.Audio.FFmpegPath,
		TempDir:     cfg.Audio.TempDir,
		SampleRate:  cfg.Audio.SampleRate,
		MinBytes:    cfg.Audio.MinBytes,
		MinDuration: cfg.Audio.GetMinDuration(),
	}, logger)

	store := transcript.NewMemoryStore(logger)

	sessions := session.NewManager(logger, session.ManagerConfig{
		Timeout:         cfg.Sessions.GetTimeoutDuration(),
		CleanupInterval: cfg.Sessions.GetCleanupInterval(),
		OnCountChange:   appMetrics.SetActiveSessions,
	})
	defer sessions.Stop()

	pipeline := server.NewPipeline(converter, engine, store, sessions, appMetrics, logger)

	httpServer := server.NewHTTPServer(cfg, logger, pipeline, store, sessions, appMetrics, server.Options{
		Feed: store,
	})
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	inboxCtx, cancelInbox := context.WithCancel(ctx)
	var inboxWG sync.WaitGroup
	if cfg.Inbox.Enabled {
		watcher, err := inbox.New(inbox.Config{
			Directory:  cfg.Inbox.Directory,
			MeetingID:  cfg.Inbox.MeetingID,
			AuthorID:   cfg.Inbox.AuthorID,
			AuthorName: cfg.Inbox.AuthorName,
			Extensions: cfg.Inbox.Extensions,
		}, pipeline, appMetrics, logger)
		if err != nil {
			cancelInbox()
			return fmt.Errorf("failed to create inbox watcher: %w", err)
		}

		inboxWG.Add(1)
		go func() {
			defer inboxWG.Done()
			if err := watcher.Run(inboxCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Inbox watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	logger.Info("Service started successfully, waiting for signals...")

	<-ctx.Done()
	logger.Info("Starting graceful shutdown...")

	// Stop accepting uploads before draining the inbox
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.GetShutdownTimeout())
	defer shutdownCancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	cancelInbox()
	inboxWG.Wait()

	stats := pipeline.GetStats()
	storeStats := store.GetStats()
	logger.Info("Final service statistics",
		slog.Uint64("received", stats.Received),
		slog.Uint64("transcribed", stats.Transcribed),
		slog.Uint64("no_speech", stats.NoSpeech),
		slog.Uint64("too_short", stats.TooShort),
		slog.Uint64("failed", stats.Failed),
		slog.Int("meetings", storeStats.Meetings),
		slog.Int("entries", storeStats.Entries),
	)

	logger.Info("Service stopped")
	return nil
}
