package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // registers on http.DefaultServeMux, served only with --pprof
	"time"

	"github.com/spf13/cobra"

	"github.com/dj-oyu/antispoof-monitor/internal/coordinator"
	"github.com/dj-oyu/antispoof-monitor/internal/logger"
	"github.com/dj-oyu/antispoof-monitor/internal/metrics"
	"github.com/dj-oyu/antispoof-monitor/internal/webmonitor"
	"github.com/dj-oyu/antispoof-monitor/internal/webrtc"
	"github.com/dj-oyu/antispoof-monitor/pkg/types"
)

const shutdownTimeout = 5 * time.Second

var (
	serveAddr   string
	recordPath  string
	pprofAddr   string
	noWebRTC    bool
	serveFPS    float64
	serveWindow int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the live monitor: frame ingest, inference loop and state streams",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	flags := cmd.Flags()
	if flags.Changed("http") {
		cfg.HTTPAddr = serveAddr
	}
	if flags.Changed("record-path") {
		cfg.RecordDir = recordPath
	}
	if flags.Changed("fps") {
		cfg.FPS = serveFPS
	}
	if flags.Changed("window") {
		cfg.Window = serveWindow
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	m := metrics.New()
	coord := coordinator.New(newBackend(cfg), coordinator.Options{
		Rate:          cfg.FPS,
		Window:        cfg.Window,
		ProbeInterval: cfg.ProbeInterval,
		Metrics:       m,
	})
	if err := coord.Start(ctx); err != nil {
		return err
	}

	// Data channel frames go through the monitor so they are recorded too.
	// mon is set before the listener starts, so no frame can arrive earlier.
	var mon *webmonitor.Server
	var rtc *webrtc.Server
	if !noWebRTC {
		rtc = webrtc.NewServer([]string{cfg.STUN}, cfg.MaxPeers, func(f types.Frame) { mon.Offer(f) }, m)
	}

	monCfg := webmonitor.DefaultConfig()
	monCfg.Addr = cfg.HTTPAddr
	monCfg.RecordDir = cfg.RecordDir
	mon, err := webmonitor.NewServer(monCfg, coord, rtc, m)
	if err != nil {
		_ = coord.Release(context.WithoutCancel(ctx))
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mon.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if pprofAddr != "" {
		go func() {
			logger.Info("Main", "pprof listening on %s", pprofAddr)
			if err := http.ListenAndServe(pprofAddr, nil); err != nil {
				logger.Error("Main", "pprof server error: %v", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Main", "Monitor listening on %s (backend %s, %.1f fps, window %d)",
			cfg.HTTPAddr, coord.BackendName(), cfg.FPS, cfg.Window)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Main", "Shutting down...")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	// Streams end first so Shutdown does not wait on them.
	mon.Close()

	shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutCtx); err != nil {
		logger.Warn("Main", "HTTP shutdown: %v", err)
	}

	relCtx, cancelRel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Timeout)
	defer cancelRel()
	if err := coord.Release(relCtx); err != nil {
		logger.Error("Main", "Backend release failed: %v", err)
		if runErr == nil {
			runErr = err
		}
	}

	logger.Info("Main", "Stopped")
	return runErr
}

func init() {
	rootCmd.AddCommand(serveCmd)
	f := serveCmd.Flags()
	f.StringVar(&serveAddr, "http", "", "HTTP listen address (default from config, :8080)")
	f.StringVar(&recordPath, "record-path", "", "directory for recorded clips, empty disables recording")
	f.StringVar(&pprofAddr, "pprof", "", "pprof listen address, disabled when empty")
	f.BoolVar(&noWebRTC, "no-webrtc", false, "disable the WebRTC data channel ingest")
	f.Float64Var(&serveFPS, "fps", 0, "inference sampling rate")
	f.IntVarP(&serveWindow, "window", "w", 0, "smoothing window length")
}
