package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/zeonglow/buildbot/internal/config"
	"github.com/zeonglow/buildbot/internal/control"
	"github.com/zeonglow/buildbot/internal/fleet"
	"github.com/zeonglow/buildbot/internal/hypervisor"
	"github.com/zeonglow/buildbot/internal/logging"
	"github.com/zeonglow/buildbot/internal/metrics"
)

const (
	defaultLogLevel   = "info"
	defaultConfigPath = "/etc/buildbot-vm/config.yaml"
	defaultListen     = ":9108"
)

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &app{stderr: os.Stderr, level: &levelVar, binding: hypervisor.Libvirt}
	app.logger = logging.NewCLI(app.stderr, app.level)
	slog.SetDefault(app.logger)

	root := newRootCommand(app)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			app.logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		app.logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// app carries what the subcommands share once the persistent flags have
// been parsed.
type app struct {
	stderr     io.Writer
	level      *slog.LevelVar
	logger     *slog.Logger
	binding    hypervisor.Binding
	configPath string
}

func newRootCommand(a *app) *cobra.Command {
	var (
		logLevel  = defaultLogLevel
		logFormat = "text"
	)

	root := &cobra.Command{
		Use:           "buildbot-vm",
		Short:         "Provision and gate VM-backed build workers",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", logFormat, "Log output format (text, json)")
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", defaultConfigPath, "Path to the worker configuration file")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		a.level.Set(level)

		mode, err := logging.ParseMode(logFormat)
		if err != nil {
			return err
		}
		a.logger = logging.New(mode, a.stderr, a.level)
		slog.SetDefault(a.logger)
		return nil
	}

	root.AddCommand(
		newCheckCommand(a),
		newStatusCommand(a),
		newStartCommand(a),
		newStopCommand(a),
		newServeCommand(a),
		newCtlCommand(a),
	)
	return root
}

func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s:\n%w", a.configPath, err)
	}
	return cfg, nil
}

// openFleet builds the fleet and waits for discovery. Workers that could
// not be set up are logged and skipped.
func (a *app) openFleet(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (*fleet.Fleet, error) {
	f, err := fleet.New(cfg, fleet.Options{Binding: a.binding, Logger: a.logger, Metrics: m})
	if err != nil {
		a.logger.Warn("some workers are unavailable", "error", err)
	}
	if err := f.WaitDiscovery(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		a.logger.Warn("discovery failed for some workers", "error", err)
	}
	return f, nil
}

func closeFleet(logger *slog.Logger, f *fleet.Fleet) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := f.Close(ctx); err != nil {
		logger.Warn("closing hypervisor connections failed", "error", err)
	}
}

func newCheckCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Args:  cobra.NoArgs,
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			for _, w := range cfg.Workers {
				if _, err := cfg.Descriptor(w); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d connection(s), %d endpoint(s), %d worker(s)\n",
				a.configPath, len(cfg.Connections), len(cfg.URIs()), len(cfg.Workers))
			return nil
		},
	}
}

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Args:  cobra.NoArgs,
		Short: "Discover existing domains and print whether each worker can take a build",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			f, err := a.openFleet(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer closeFleet(a.logger, f)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WORKER\tSTATE\tREADY\tDOMAIN\tCONNECTED\tCAN START")
			for _, w := range f.Workers() {
				s := w.Status()
				fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%t\t%t\n", s.Name, s.State, s.Ready, s.HasDomain, s.Connected, w.CanStartBuild())
			}
			return tw.Flush()
		},
	}
}

func newStartCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "start <worker>",
		Args:  cobra.ExactArgs(1),
		Short: "Provision and start the domain of a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			f, err := a.openFleet(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer closeFleet(a.logger, f)

			w, err := f.Worker(args[0])
			if err != nil {
				return err
			}
			if !w.StartInstance(cmd.Context()) {
				if last := w.LastError(); last != nil {
					return last
				}
				if err := cmd.Context().Err(); err != nil {
					return err
				}
				return fmt.Errorf("worker %q was not started (state %s)", w.Name(), w.Status().State)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "started %s\n", w.Domain().Name())
			return nil
		},
	}
}

func newStopCommand(a *app) *cobra.Command {
	var fast bool

	cmd := &cobra.Command{
		Use:   "stop <worker>",
		Args:  cobra.ExactArgs(1),
		Short: "Shut down the domain of a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			f, err := a.openFleet(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer closeFleet(a.logger, f)

			w, err := f.Worker(args[0])
			if err != nil {
				return err
			}
			if err := w.StopInstance(cmd.Context(), fast); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopped %s\n", w.Name())
			return nil
		},
	}

	cmd.Flags().BoolVar(&fast, "fast", false, "Destroy the domain instead of a graceful shutdown")
	return cmd
}

func newServeCommand(a *app) *cobra.Command {
	var (
		listen     string
		socketPath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Args:  cobra.NoArgs,
		Short: "Run the worker fleet, answering control requests and exposing metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := a.logger.With("command", "serve")

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			f, err := a.openFleet(ctx, cfg, metrics.New(reg))
			if err != nil {
				return err
			}
			defer closeFleet(logger, f)

			if listen == "" {
				listen = cfg.Metrics.Listen
			}
			if listen == "" {
				listen = defaultListen
			}
			srv := metrics.NewServer(listen, cfg.Metrics.Path, reg)
			go func() {
				logger.Info("serving metrics", "addr", listen, "path", cfg.Metrics.Path)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server failed", "error", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			ln, err := control.Listen(socketPath)
			if err != nil {
				return err
			}
			logger.Info("serving control socket; press Ctrl+C to stop", "socket", socketPath, "workers", len(f.Workers()))
			if err := control.NewServer(f, a.logger).Serve(ctx, ln); err != nil {
				return err
			}
			logger.Info("serve stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Metrics listen address (defaults to metrics.listen or "+defaultListen+")")
	cmd.Flags().StringVar(&socketPath, "socket", control.DefaultSocketPath, "Path to the control socket")
	return cmd
}

func newCtlCommand(a *app) *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Talk to a running serve process",
	}
	cmd.PersistentFlags().StringVar(&socketPath, "socket", control.DefaultSocketPath, "Path to the control socket")
	client := func() *control.Client {
		return control.NewClient(socketPath).WithTimeout(10 * time.Minute)
	}

	list := &cobra.Command{
		Use:   "list",
		Args:  cobra.NoArgs,
		Short: "List workers of the running fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := client().List()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WORKER\tSTATE\tREADY\tDOMAIN\tCONNECTED\tCAN START\tFAILURES")
			for _, s := range statuses {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%t\t%t\t%d\n", s.Name, s.State, s.Ready, s.HasDomain, s.Connected, s.CanStartBuild, s.Failures)
			}
			return tw.Flush()
		},
	}

	dispatch := &cobra.Command{
		Use:   "dispatch",
		Args:  cobra.NoArgs,
		Short: "Ask for a worker that can take a build, starting one if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := client().Dispatch()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
	}

	attach := &cobra.Command{
		Use:   "attach <worker>",
		Args:  cobra.ExactArgs(1),
		Short: "Report that a worker connected to the master",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().Attach(args[0])
		},
	}

	detach := &cobra.Command{
		Use:   "detach <worker>",
		Args:  cobra.ExactArgs(1),
		Short: "Report that a worker lost its connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().Detach(args[0])
		},
	}

	var fast bool
	stop := &cobra.Command{
		Use:   "stop <worker>",
		Args:  cobra.ExactArgs(1),
		Short: "Stop the domain of a worker in the running fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().Stop(args[0], fast)
		},
	}
	stop.Flags().BoolVar(&fast, "fast", false, "Destroy the domain instead of a graceful shutdown")

	cmd.AddCommand(list, dispatch, attach, detach, stop)
	return cmd
}
