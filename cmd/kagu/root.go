package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	kagu "github.com/bblsh/kagu-sub000"
	"github.com/bblsh/kagu-sub000/config"
)

var (
	// Global flags
	cfgFile    string
	listenAddr string
	logLevel   string

	// Set during PersistentPreRun
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "kagu",
	Short: "Encrypted voice and chat over UDP",
	Long: `Kagu runs a node of the kagu voice and chat transport. "serve" starts a
relay that fans messages out to every connected client, "connect" joins one.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if listenAddr != "" {
			cfg.ListenAddr = listenAddr
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return cfg.ConfigureLogging()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&listenAddr, "listen", "", "local UDP address (overrides listen_addr)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides log_level)")
	rootCmd.AddCommand(serveCmd, connectCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newNode builds a node from the loaded config and, when enabled, starts the
// metrics endpoint. The returned stop function shuts the endpoint down.
func newNode(mutate func(*kagu.Options)) (*kagu.Kagu, func(), error) {
	options, err := cfg.Options()
	if err != nil {
		return nil, nil, err
	}
	if mutate != nil {
		mutate(options)
	}

	stop := func() {}
	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		options.Registerer = reg
	}

	node, err := kagu.New(options)
	if err != nil {
		return nil, nil, err
	}

	if reg != nil {
		stop = serveMetrics(cfg.Metrics.ListenAddr, reg)
	}
	return node, stop, nil
}

func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logrus.WithFields(logrus.Fields{
			"function": "serveMetrics",
			"addr":     addr,
		}).Info("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "serveMetrics",
				"error":    err.Error(),
			}).Error("Metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
