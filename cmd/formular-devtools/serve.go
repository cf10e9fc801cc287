package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/binaryjack/formular-dev-tools/internal/config"
	fderrors "github.com/binaryjack/formular-dev-tools/internal/errors"
	"github.com/binaryjack/formular-dev-tools/internal/logging"
	"github.com/binaryjack/formular-dev-tools/pkg/bus"
	"github.com/binaryjack/formular-dev-tools/pkg/export"
	"github.com/binaryjack/formular-dev-tools/pkg/inspector"
	"github.com/binaryjack/formular-dev-tools/pkg/metrics"
	"github.com/binaryjack/formular-dev-tools/pkg/registry"
	"github.com/binaryjack/formular-dev-tools/pkg/server"
)

type serveFlags struct {
	configPath string
	addr       string
	origin     string
	logLevel   string
}

func serveCmd() *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the inspector server",
		Long: `Run the inspector server.

Form pages connect to /ws; sessions, history and exports are served
under /api. Configuration is read from formular-devtools.json in the
working directory unless --config names another file.

Examples:
  formular-devtools serve --origin=http://localhost:5173
  formular-devtools serve --config=devtools.yaml --addr=127.0.0.1:9229`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "Configuration file (json, yaml or toml)")
	cmd.Flags().StringVarP(&flags.addr, "addr", "a", "", "Listen address (default from config)")
	cmd.Flags().StringVar(&flags.origin, "origin", "", "Origin of the form host page (default from config)")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "Log level (default from config)")

	return cmd
}

// loadConfig reads the configuration and applies flag overrides. A
// missing default file is not an error.
func loadConfig(flags serveFlags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flags.configPath != "" {
		cfg, err = config.LoadFile(flags.configPath)
	} else {
		cfg, err = config.Load(".")
		if fderrors.CodeOf(err) == fderrors.CodeConfigNotFound {
			cfg, err = config.New(), nil
		}
	}
	if err != nil {
		return nil, err
	}

	if flags.addr != "" {
		cfg.Server.Address = flags.addr
	}
	if flags.origin != "" {
		cfg.Server.AllowedOrigin = flags.origin
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Server.AllowedOrigin == "" {
		return nil, fderrors.New(fderrors.CodeConfigInvalid).
			WithDetail("server.allowedOrigin is not set").
			WithSuggestion("Pass --origin or set server.allowedOrigin in " + config.ConfigFileName)
	}
	return cfg, nil
}

// openStore builds the configured export backend, or nil when exports
// are disabled.
func openStore(ctx context.Context, cfg *config.Config) (export.Store, error) {
	switch cfg.Export.Backend {
	case config.BackendDisk:
		return export.NewDiskStore(cfg.Export.Dir)
	case config.BackendS3:
		client, err := export.NewS3Client(ctx, cfg.ExportS3Config())
		if err != nil {
			return nil, err
		}
		return export.NewS3Store(client, cfg.Export.S3.Bucket, cfg.Export.S3.Prefix), nil
	default:
		return nil, nil
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.Setup(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}

	sink := bus.MultiSink{bus.NewLogSink(logger)}
	var (
		promReg   *prometheus.Registry
		collector *metrics.Collector
	)
	if cfg.Metrics.Enabled {
		promReg = prometheus.NewRegistry()
		promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		mopts := []metrics.Option{metrics.WithRegistry(promReg)}
		if cfg.Metrics.Namespace != "" {
			mopts = append(mopts, metrics.WithNamespace(cfg.Metrics.Namespace))
		}
		collector = metrics.New(mopts...)
		sink = append(sink, collector)
	}

	b := bus.New(bus.WithLogger(logger), bus.WithSink(sink))
	if collector != nil {
		collector.Attach(b)
	}
	defer b.Close()

	reg, err := registry.New(b, registry.WithLogger(logger), registry.WithDefaults(cfg.SessionDefaults()))
	if err != nil {
		return err
	}
	defer reg.Shutdown()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fderrors.New(fderrors.CodeExportFailed).
			WithDetail("Cannot open the " + cfg.Export.Backend + " export backend").
			Wrap(err)
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithBridgeOptions(inspector.WithLogger(logger)),
	}
	if store != nil {
		opts = append(opts, server.WithStore(store))
	}
	if promReg != nil {
		opts = append(opts, server.WithMetrics(promReg))
	}
	srv, err := server.New(reg, cfg.ServerConfig(), opts...)
	if err != nil {
		return err
	}

	logger.Info("inspector ready",
		slog.String("address", cfg.Server.Address),
		slog.String("origin", cfg.Server.AllowedOrigin),
		slog.String("export", exportLabel(cfg)),
		slog.Bool("metrics", promReg != nil),
	)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	fmt.Fprintln(os.Stderr, "  Stopped.")
	return nil
}

func exportLabel(cfg *config.Config) string {
	switch cfg.Export.Backend {
	case config.BackendDisk:
		return "disk:" + cfg.Export.Dir
	case config.BackendS3:
		return "s3://" + cfg.Export.S3.Bucket + "/" + cfg.Export.S3.Prefix
	default:
		return "off"
	}
}
