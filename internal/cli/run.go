package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/wmihelper/internal/bridge"
	"github.com/ppiankov/wmihelper/internal/config"
	"github.com/ppiankov/wmihelper/internal/lifecycle"
	"github.com/ppiankov/wmihelper/internal/oplog"
	"github.com/ppiankov/wmihelper/internal/sentinel"
	"github.com/ppiankov/wmihelper/internal/sink"
	"github.com/ppiankov/wmihelper/internal/source"
)

func newRunCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the event relay until stop.txt appears",
		Example: `  wmihelper run
  wmihelper run --base-dir C:\xZenith --poll
  wmihelper run --source memory --verbose  # no WMI, exercise the stop protocol`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd, opts)
		},
	}
	addRunFlags(cmd, opts)
	return cmd
}

func addRunFlags(cmd *cobra.Command, opts *options) {
	f := cmd.Flags()
	f.String("source", config.SourceWMI, "event source: wmi or memory")
	f.String("log-level", "info", "operational log level: debug, info, warn, error")
	f.Bool("poll", false, "poll for the stop file instead of using filesystem notifications")
	f.Bool("verbose", false, "mirror the operational log to stderr")

	// Flags are bound when the command runs so root and run do not fight
	// over the same keys.
	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		_ = opts.v.BindPFlag("source.kind", f.Lookup("source"))
		_ = opts.v.BindPFlag("log.level", f.Lookup("log-level"))
		_ = opts.v.BindPFlag("sentinel.poll", f.Lookup("poll"))
		_ = opts.v.BindPFlag("log.stderr", f.Lookup("verbose"))
	}
}

// runService is the whole process lifetime: start, wait for the stop file,
// stop, clean up.
func runService(cmd *cobra.Command, opts *options) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}

	var mirror io.Writer
	if cfg.Log.Stderr {
		mirror = opts.stderr
	}
	log := oplog.New(cfg.LogPath(), cfg.Log.Level, mirror)
	log.Info("WMI Helper application started", "version", version, "base_dir", cfg.BaseDir)

	src, err := newSource(cfg)
	if err != nil {
		return err
	}
	b := bridge.New(bridge.Config{
		Query: source.Query{
			Namespace:  cfg.Source.Namespace,
			WQL:        cfg.Source.Query,
			Properties: []string{cfg.Source.Property},
		},
		Property:      cfg.Source.Property,
		QueueSize:     cfg.Bridge.QueueSize,
		RetryAttempts: cfg.Source.RetryAttempts,
		RetryDelay:    cfg.Source.RetryDelay,
	}, src, sink.New(cfg.OutputPath(), log), log)

	ctrl := lifecycle.New(b, newStopRequester(cfg, log), log)
	ctrl.OnTransition(func(s lifecycle.State) {
		if s == lifecycle.StateRunning {
			log.Info(fmt.Sprintf("Application running in background. Create a file named '%s' in the application directory to stop.", cfg.Sentinel.Name))
		}
	})

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := ctrl.Run(ctx); err != nil {
		return err
	}
	log.Info("WMI Helper application stopped")
	return nil
}

func newSource(cfg *config.Config) (source.Source, error) {
	switch cfg.Source.Kind {
	case config.SourceWMI:
		return source.NewWMI(), nil
	case config.SourceMemory:
		return source.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown source %q", cfg.Source.Kind)
	}
}

func newStopRequester(cfg *config.Config, log *slog.Logger) lifecycle.StopRequester {
	if cfg.Sentinel.Poll {
		return sentinel.NewPollWatcher(cfg.BaseDir, cfg.Sentinel.Name, cfg.Sentinel.PollInterval, log)
	}
	return sentinel.NewWatcher(cfg.BaseDir, cfg.Sentinel.Name, log)
}
