package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"adreport/internal/config"
	"adreport/internal/engine"
	"adreport/internal/flags"
	"adreport/internal/logging"
	"adreport/internal/server"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	reloadDebounce  = 500 * time.Millisecond
	shutdownTimeout = 30 * time.Second
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP trigger",
	Long: `Serve the HTTP trigger for the report pipeline.

Endpoints:
	GET  /healthz                          liveness, never authenticated
	POST /api/run                          run for yesterday
	POST /api/run?report_date=YYYY-MM-DD   run for a given day
	                                       (or JSON body {"report_date": "..."})

Every completed run answers 200 with the run record, whatever its status.
400 means the date was invalid; 500 means the run itself could not execute.
Concurrent requests for the same date share one run.

When ADREPORT_JWT_SECRET is set, /api/run requires an HS256 bearer token
(see "adreport token"). The config file is watched and the pipeline is rebuilt
when it changes; runs already in flight finish on the previous configuration.

Examples:
  ADREPORT_JWT_SECRET=... adreport serve --config adreport.yaml --listen :9090
`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := serve(cmd); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(engine.ExitFatal)
		}
	},
}

func serve(cmd *cobra.Command) error {
	apply := func(cfg *config.Config) {
		if changed(cmd, flags.FlagListen) {
			cfg.Server.Listen = serveListen
		}
	}
	cfg, err := loadConfig(apply)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Runtime.Verbose, cfg.Runtime.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, closeWarehouse, err := buildEngine(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	srv := server.New(eng, server.Options{
		JWTSecret:  cfg.Server.JWTSecret,
		RunTimeout: cfg.Runtime.Timeout,
		Logger:     logger,
	})
	if cfg.Server.JWTSecret == "" {
		logger.Warn("ADREPORT_JWT_SECRET is not set; /api/run is unauthenticated")
	}

	rl := &reloader{
		path:   configPath,
		srv:    srv,
		logger: logger,
		build: func(ctx context.Context) (server.Runner, string, func() error, error) {
			cfg, err := loadConfig(apply)
			if err != nil {
				return nil, "", nil, err
			}
			eng, closeFn, err := buildEngine(ctx, cfg, logger, nil)
			if err != nil {
				return nil, "", nil, err
			}
			return eng, cfg.Server.JWTSecret, closeFn, nil
		},
		closers: []func() error{closeWarehouse},
	}
	defer rl.close()
	if configPath != "" {
		go func() {
			if err := rl.watch(ctx); err != nil {
				logger.Error("config watcher stopped", zap.Error(err))
			}
		}()
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Listen))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// reloader rebuilds the pipeline when the config file changes and swaps it
// into the server.
type reloader struct {
	path   string
	srv    *server.Server
	logger *zap.Logger
	build  func(ctx context.Context) (server.Runner, string, func() error, error)
	// debounce is the quiet period after the last write before a reload.
	// Zero means reloadDebounce.
	debounce time.Duration

	mu sync.Mutex
	// closers release every warehouse opened so far. A replaced pipeline may
	// still be serving a run, so nothing is closed before shutdown.
	closers []func() error
}

func (r *reloader) reload(ctx context.Context) error {
	runner, secret, closeFn, err := r.build(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.closers = append(r.closers, closeFn)
	r.mu.Unlock()
	r.srv.Swap(runner, secret)
	return nil
}

func (r *reloader) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.closers {
		if c != nil {
			_ = c()
		}
	}
	r.closers = nil
}

// watch blocks until ctx is done. The directory is watched rather than the
// file because editors often replace the file on save.
func (r *reloader) watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	target := filepath.Clean(r.path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return err
	}

	wait := r.debounce
	if wait <= 0 {
		wait = reloadDebounce
	}
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				timer.Reset(wait)
			}
			timerCh = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("config watcher error", zap.Error(err))
		case <-timerCh:
			timerCh = nil
			if err := r.reload(ctx); err != nil {
				r.logger.Error("config reload failed; keeping previous pipeline", zap.String("path", r.path), zap.Error(err))
				continue
			}
			r.logger.Info("config reloaded", zap.String("path", r.path))
		}
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, flags.FlagListen, "", "Listen address (default: server.listen, :8080)")
}
