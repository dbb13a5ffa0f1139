package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satindergrewal/tempobreath/internal/audio"
	"github.com/satindergrewal/tempobreath/internal/beat"
	"github.com/satindergrewal/tempobreath/internal/config"
	"github.com/satindergrewal/tempobreath/internal/logging"
	"github.com/satindergrewal/tempobreath/internal/playback"
	"github.com/satindergrewal/tempobreath/internal/server"
	"github.com/satindergrewal/tempobreath/internal/stream"
	"github.com/satindergrewal/tempobreath/internal/temposync"
	"github.com/satindergrewal/tempobreath/internal/watch"
)

var (
	cfg           = config.Load()
	logger        *zap.Logger
	beatsPerPhase int
)

var rootCmd = &cobra.Command{
	Use:           "tempobreath",
	Short:         "Tempo detection and breath-phase sync for meditation audio",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(cfg.Verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, websocket push and audio streams",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return serve(ctx)
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze FILE",
	Short: "Estimate the tempo of an audio file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return analyze(cmd, args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "debug logging")

	serveCmd.Flags().IntVarP(&cfg.Port, "port", "p", cfg.Port, "HTTP listen port")
	serveCmd.Flags().StringVar(&cfg.StateFile, "state-file", cfg.StateFile, "YAML file for tempo preferences (empty disables)")
	serveCmd.Flags().StringVar(&cfg.WatchDir, "watch-dir", cfg.WatchDir, "load audio files dropped into this directory")

	analyzeCmd.Flags().IntVar(&beatsPerPhase, "beats-per-phase", temposync.DefaultBeatsPerPhase, "beats per breath phase for the printed pattern")

	rootCmd.AddCommand(serveCmd, analyzeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "tempobreath:", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	store := temposync.NewStore()
	if cfg.StateFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.StateFile), 0o755); err != nil {
			return fmt.Errorf("state dir: %w", err)
		}
		stopPersist, err := temposync.Persist(store, cfg.StateFile, logger)
		if err != nil {
			return err
		}
		defer stopPersist()
	}

	broadcaster := stream.NewBroadcaster()
	urls := audio.NewURLRegistry(cfg.TempDir)
	defer urls.RevokeAll()

	session := playback.New(playback.Options{
		Logger:        logger,
		Store:         store,
		URLs:          urls,
		Destination:   broadcaster.Feed(),
		FrameInterval: cfg.FrameInterval,
	})
	defer session.Close()

	srv := server.New(server.Options{
		Logger:         logger,
		Session:        session,
		Store:          store,
		Broadcaster:    broadcaster,
		MaxUploadBytes: cfg.MaxUploadBytes(),
		AllowOrigin:    cfg.StaticOrigin,
		BreathInterval: cfg.BreathInterval,
	})
	defer srv.Close()

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		broadcaster.Run(ctx)
		return nil
	})
	g.Go(func() error { return srv.Run(ctx) })
	session.StartDetection(ctx)

	if cfg.WatchDir != "" {
		w := watch.New(cfg.WatchDir, func(ctx context.Context, path string) error {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = session.LoadAudioFile(ctx, filepath.Base(path), f)
			return err
		}, logger)
		g.Go(func() error { return w.Run(ctx) })
	}

	g.Go(func() error {
		logger.Info("tempobreath live", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func analyze(cmd *cobra.Command, path string) error {
	ctx := cmd.Context()
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	samples, err := audio.DecodeBytes(ctx, filepath.Base(path), data)
	if err != nil {
		logger.Debug("in-process decode failed, trying ffmpeg", zap.Error(err))
		if samples, err = audio.DecodeFile(ctx, path); err != nil {
			return err
		}
	}

	tempo, err := beat.AnalyzeTempo(audio.Mono(samples), audio.SampleRate)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	store := temposync.NewStore()
	store.SetBPM(math.Round(tempo))
	if err := store.SetBeatsPerPhase(beatsPerPhase); err != nil {
		return err
	}
	st := store.Snapshot()
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%.1f BPM\tphase %.2fs\tcycle %.2fs\n",
		filepath.Base(path), tempo, st.PhaseDuration(), store.CycleDuration())
	return nil
}
