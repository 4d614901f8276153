package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/sandpool/config"
	"github.com/isdmx/sandpool/engine"
	"github.com/isdmx/sandpool/logger"
	"github.com/isdmx/sandpool/sandbox"
)

// startTimeout bounds pool initialization, which creates every sandbox
const startTimeout = 5 * time.Minute

func main() {
	var (
		configPath  string
		metricsAddr string
	)

	root := &cobra.Command{
		Use:           "sandpool",
		Short:         "Keep a pool of pre-provisioned container sandboxes warm",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cfg, metricsAddr)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the configuration file")
	root.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9090")

	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return fmt.Errorf("rendering config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, metricsAddr string) error {
	app := fx.New(
		fx.Supply(cfg),

		fx.Provide(
			logger.NewFromConfig,
			newEngineClient,
			newRegistry,
			sandbox.NewMetrics,
			sandbox.NewPoolFromConfig,
			sandbox.NewRefresherFromConfig,
		),

		// The refresher depends on the pool, so the pool is populated
		// before the first scheduled refresh and shut down after the last
		fx.Invoke(func(*sandbox.Refresher) {}),

		fx.Invoke(func(lc fx.Lifecycle, log *zap.Logger, reg *prometheus.Registry) {
			if metricsAddr != "" {
				serveMetrics(lc, log, reg, metricsAddr)
			}
		}),

		fx.StartTimeout(startTimeout),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	if err := app.Err(); err != nil {
		return err
	}

	app.Run()
	return nil
}

// newEngineClient connects to the configured container engine and closes the
// connection when the application stops
func newEngineClient(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config) (engine.Client, error) {
	client, err := engine.NewClient(log, cfg)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})

	return client, nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func serveMetrics(lc fx.Lifecycle, log *zap.Logger, reg *prometheus.Registry, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("metrics listener: %w", err)
			}
			log.Info("serving metrics", zap.String("address", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}
