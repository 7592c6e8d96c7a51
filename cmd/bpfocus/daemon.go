package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/1broseidon/bpfocus/internal/autostart"
	"github.com/1broseidon/bpfocus/internal/config"
	"github.com/1broseidon/bpfocus/internal/focus"
	"github.com/1broseidon/bpfocus/internal/ipc"
	"github.com/1broseidon/bpfocus/internal/journal"
	"github.com/1broseidon/bpfocus/internal/logging"
	"github.com/1broseidon/bpfocus/internal/metrics"
	"github.com/1broseidon/bpfocus/internal/pidfile"
	"github.com/1broseidon/bpfocus/internal/platform"
	"github.com/1broseidon/bpfocus/internal/procwatch"
	"github.com/1broseidon/bpfocus/internal/runtimepath"
	"github.com/1broseidon/bpfocus/internal/supervisor"
	"github.com/1broseidon/bpfocus/internal/tracker"
)

func runDaemon(args []string) int {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	path := fs.String("config", "", "Config file path (default: ~/.config/bpfocus/config.yaml)")
	noAutostart := fs.Bool("no-autostart", false, "Do not register the login autostart entry")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: bpfocus daemon [--config PATH] [--no-autostart]")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Run the focus daemon in the foreground.")
		fs.PrintDefaults()
	}
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "daemon takes no arguments")
		fs.Usage()
		return exitUsage
	}

	res, configPath, err := loadConfig(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return exitFailure
	}
	cfg := res.Config

	logger, sink, err := logging.New(logging.Options{
		Level:     cfg.Log.Level,
		File:      cfg.LogFile(),
		MaxSizeMB: cfg.Log.MaxSizeMB,
		MaxFiles:  cfg.Log.MaxFiles,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		return exitFailure
	}
	defer sink.Close()

	d := &daemonRunner{
		configPath: configPath,
		cfg:        cfg,
		logger:     logger,
		sink:       sink,
		startedAt:  time.Now(),
		shutdownCh: make(chan struct{}),
	}
	return d.run(!*noAutostart)
}

// daemonRunner owns the daemon's components for one run and serves IPC.
type daemonRunner struct {
	configPath string
	logger     *slog.Logger
	sink       *logging.Sink
	startedAt  time.Time

	sup     *supervisor.Supervisor
	journal *journal.Writer

	// mu guards cfg and serializes reloads.
	mu  sync.Mutex
	cfg *config.Config

	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	cleanupOnce sync.Once
	cleanups    []func()
}

var _ ipc.Handler = (*daemonRunner)(nil)

func (d *daemonRunner) run(registerAutostart bool) int {
	defer d.cleanup()

	pidPath, err := runtimepath.PIDFilePath()
	if err != nil {
		d.logger.Error("failed to resolve pid file path", "error", err)
		return exitFailure
	}
	pf, err := pidfile.Acquire(pidPath)
	if err != nil {
		if errors.Is(err, pidfile.ErrRunning) {
			d.logger.Error("bpfocus daemon is already running", "error", err)
		} else {
			d.logger.Error("failed to create pid file", "error", err)
		}
		return exitFailure
	}
	d.onCleanup(func() {
		if err := pf.Release(); err != nil {
			d.logger.Warn("failed to remove pid file", "error", err)
		}
	})

	if registerAutostart {
		d.ensureAutostart()
	}

	cfg := d.config()

	activator, err := platform.NewActivator(cfg.Display)
	if err != nil {
		d.logger.Error("failed to connect to display", "error", err)
		return exitFailure
	}
	d.onCleanup(activator.Close)

	scanner, err := procwatch.NewProcfsScanner(procwatch.ScannerConfig{
		Interval: cfg.ScanInterval,
		Logger:   d.logger.With("component", "procwatch"),
	})
	if err != nil {
		d.logger.Error("failed to open process table", "error", err)
		return exitFailure
	}

	m := metrics.New()
	trackerObservers := tracker.Observers{m}
	focusObservers := focus.Observers{m}
	if w := d.openJournal(cfg); w != nil {
		d.journal = w
		trackerObservers = append(trackerObservers, w)
		focusObservers = append(focusObservers, w)
	}

	d.sup = supervisor.New(scanner, activator, supervisor.Config{
		Settings:        settingsFrom(cfg),
		Logger:          d.logger,
		Fatal:           d.fatal,
		TrackerObserver: trackerObservers,
		FocusObserver:   focusObservers,
	})
	m.RegisterStatus(d.sup)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Listen, d.logger.With("component", "metrics")); err != nil {
				d.logger.Warn("metrics endpoint disabled", "error", err)
			}
		}()
	}

	socketPath, err := runtimepath.SocketPath()
	if err != nil {
		d.logger.Error("failed to resolve IPC socket path", "error", err)
		return exitFailure
	}
	ipcServer := ipc.NewServer(socketPath, d, d.logger.With("component", "ipc"))
	if err := ipcServer.Start(); err != nil {
		d.logger.Error("failed to start IPC server", "error", err)
		return exitFailure
	}
	d.onCleanup(ipcServer.Stop)

	// The baseline is taken before the supervisor lists running roots, so a
	// root started in between is either listed or reported as created.
	if err := scanner.Prime(); err != nil {
		d.logger.Error("failed to read process table", "error", err)
		return exitFailure
	}
	if err := d.sup.Start(ctx); err != nil {
		d.logger.Error("failed to start supervisor", "error", err)
		return exitFailure
	}
	go scanner.Run(ctx)

	d.watchConfig(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	d.logger.Info("bpfocus daemon started", "version", version, "pid", os.Getpid(), "config", d.configPath)

wait:
	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				d.logger.Info("received SIGHUP, reloading config")
				d.Reload()
				continue
			default:
				d.logger.Info("received signal, shutting down", "signal", sig.String())
			}
		case <-d.shutdownCh:
			d.logger.Info("shutdown requested")
		}
		break wait
	}

	if err := d.sup.Stop(); err != nil {
		// Only reached when the Fatal hook returned.
		return supervisor.ExitStopTimeout
	}
	d.logger.Info("bpfocus daemon stopped")
	return exitOK
}

func (d *daemonRunner) ensureAutostart() {
	mgr, err := autostart.ForCurrentExecutable()
	if err != nil {
		d.logger.Warn("autostart unavailable", "error", err)
		return
	}
	changed, err := mgr.EnsureOnFirstLaunch()
	if err != nil {
		d.logger.Warn("failed to register autostart", "path", mgr.Path(), "error", err)
		return
	}
	if changed {
		d.logger.Info("autostart entry written", "path", mgr.Path(), "exec", mgr.Exec())
	}
}

func (d *daemonRunner) openJournal(cfg *config.Config) *journal.Writer {
	if !cfg.Journal.Enabled {
		return nil
	}
	store, err := journal.Open(cfg.JournalPath())
	if err != nil {
		d.logger.Warn("journal disabled", "path", cfg.JournalPath(), "error", err)
		return nil
	}
	if n, err := store.Prune(time.Now().Add(-journal.DefaultRetention)); err != nil {
		d.logger.Warn("failed to prune journal", "error", err)
	} else if n > 0 {
		d.logger.Debug("journal pruned", "entries", n)
	}

	w := journal.NewWriter(store, journal.WriterConfig{Logger: d.logger.With("component", "journal")})
	d.onCleanup(func() {
		w.Close()
		if err := store.Close(); err != nil {
			d.logger.Warn("failed to close journal", "error", err)
		}
	})
	d.logger.Debug("journal opened", "path", cfg.JournalPath(), "run_id", w.RunID())
	return w
}

func (d *daemonRunner) watchConfig(ctx context.Context) {
	if _, err := os.Stat(filepath.Dir(d.configPath)); err != nil {
		d.logger.Debug("config directory missing, not watching", "path", d.configPath)
		return
	}
	go func() {
		err := config.Watch(ctx, d.configPath, d.logger.With("component", "config"), func() {
			d.logger.Info("config file changed, reloading")
			d.Reload()
		})
		if err != nil {
			d.logger.Warn("config watcher stopped", "error", err)
		}
	}()
}

func (d *daemonRunner) config() *config.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Reload re-reads the config file and applies the settings that can change
// while running. Other changes are logged and wait for a restart.
func (d *daemonRunner) Reload() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := config.LoadFromPath(d.configPath)
	if err != nil {
		d.logger.Warn("config reload failed", "error", err)
		return err
	}
	next := res.Config

	d.sink.SetLevel(next.Log.Level)
	d.sup.Apply(settingsFrom(next))
	for _, key := range restartKeys(d.cfg, next) {
		d.logger.Info("config change takes effect after restart", "key", key)
	}
	d.cfg = next

	d.logger.Info("config reloaded",
		"poll_interval", next.PollInterval,
		"grace_delay", next.EffectiveGraceDelay(),
		"stop_timeout", next.StopTimeout,
		"log_level", next.Log.Level)
	return nil
}

// Status implements ipc.Handler.
func (d *daemonRunner) Status() ipc.StatusData {
	data := ipc.StatusData{
		Status:        d.sup.Status(),
		DaemonPID:     os.Getpid(),
		Version:       version,
		UptimeSeconds: int64(time.Since(d.startedAt).Seconds()),
		ConfigPath:    d.configPath,
	}
	if d.journal != nil {
		data.JournalRunID = d.journal.RunID()
	}
	return data
}

// Shutdown implements ipc.Handler.
func (d *daemonRunner) Shutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

// fatal is the supervisor's stop-timeout hook.
func (d *daemonRunner) fatal(err error) {
	d.logger.Error("focus loop failed to stop, exiting", "error", err)
	d.cleanup()
	d.sink.Close()
	os.Exit(supervisor.ExitStopTimeout)
}

func (d *daemonRunner) onCleanup(fn func()) {
	d.cleanups = append(d.cleanups, fn)
}

// cleanup runs registered cleanups in reverse order, once.
func (d *daemonRunner) cleanup() {
	d.cleanupOnce.Do(func() {
		for i := len(d.cleanups) - 1; i >= 0; i-- {
			d.cleanups[i]()
		}
	})
}

func settingsFrom(cfg *config.Config) supervisor.Settings {
	return supervisor.Settings{
		PollInterval: cfg.PollInterval,
		StopTimeout:  cfg.StopTimeout,
		GraceDelay:   cfg.EffectiveGraceDelay(),
	}
}

// restartKeys lists changed settings that are only read at startup.
func restartKeys(prev, next *config.Config) []string {
	var keys []string
	if prev.ScanInterval != next.ScanInterval {
		keys = append(keys, "scan_interval")
	}
	if prev.Display != next.Display {
		keys = append(keys, "display")
	}
	if prev.Log.File != next.Log.File || prev.Log.MaxSizeMB != next.Log.MaxSizeMB || prev.Log.MaxFiles != next.Log.MaxFiles {
		keys = append(keys, "log.file")
	}
	if prev.Metrics.Listen != next.Metrics.Listen {
		keys = append(keys, "metrics.listen")
	}
	if prev.Journal != next.Journal {
		keys = append(keys, "journal")
	}
	return keys
}
