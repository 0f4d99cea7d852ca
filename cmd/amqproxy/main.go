// Command amqproxy runs a pooling AMQP 0-9-1 proxy in front of a
// single upstream broker.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Spreetail/amqproxy/internal/metrics"
	"github.com/Spreetail/amqproxy/internal/proxy"
	"github.com/Spreetail/amqproxy/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "amqproxy",
		Short: "Pool AMQP 0-9-1 connections to a single upstream broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("upstream-url", "", "amqp:// or amqps:// URL of the broker to pool connections to")
	flags.String("listen-address", "localhost", "address the proxy listens on")
	flags.Int("listen-port", 5673, "port the proxy listens on")
	flags.Int("idle-connection-timeout-seconds", 5, "seconds an idle upstream connection is kept before closing")
	flags.String("log-level", "info", "debug, info, warning or error")
	flags.String("statsd-host", "", "statsd collector host (metrics are discarded if unset)")
	flags.Int("statsd-port", 8125, "statsd collector port")
	flags.String("config", "", "path to a config file (yaml, toml, json, ...)")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("amqproxy")
	v.AutomaticEnv()

	cobra.OnInitialize(func() {
		if cfgFile := v.GetString("config"); cfgFile != "" {
			v.SetConfigFile(cfgFile)
			_ = v.ReadInConfig()
		}
	})

	return cmd
}

func run(v *viper.Viper) error {
	cfg := proxy.Config{
		UpstreamURL:           v.GetString("upstream-url"),
		ListenAddress:         v.GetString("listen-address"),
		ListenPort:            v.GetInt("listen-port"),
		IdleConnectionTimeout: time.Duration(v.GetInt("idle-connection-timeout-seconds")) * time.Second,
		LogLevel:              v.GetString("log-level"),
		StatsdHost:            v.GetString("statsd-host"),
		StatsdPort:            v.GetInt("statsd-port"),
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := log.NewZero(os.Stdout)
	logger.SetLevel(log.ParseLevel(cfg.LogLevel))

	var mets metrics.Sink = metrics.Noop()
	if cfg.StatsdHost != "" {
		sink, err := metrics.NewStatsd(cfg.StatsdHost, cfg.StatsdPort)
		if err != nil {
			logger.Warningf("statsd disabled: %v", err)
		} else {
			mets = sink
			defer mets.Close()
		}
	}

	srv := proxy.NewServer(cfg, logger, mets)
	srv.Reset()
	if err := srv.Setup(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	stopped := make(chan struct{})
	go func() {
		handleSignals(sigCh, srv, logger)
		close(stopped)
	}()

	if err := srv.Start(); err != nil {
		return err
	}
	// Start returns once the first signal closes the listener; existing
	// sessions keep running until the second signal disconnects them.
	<-stopped
	return nil
}

// handleSignals implements the two-stage shutdown: the first
// SIGINT/SIGTERM stops accepting new connections while letting
// existing sessions drain naturally, the second forces every session
// and pool closed immediately.
func handleSignals(sigCh <-chan os.Signal, srv *proxy.Server, logger log.Logger) {
	sig := <-sigCh
	logger.Infof("received %s, no longer accepting new connections", sig)
	srv.StopAccepting()

	sig = <-sigCh
	logger.Infof("received %s, disconnecting active sessions", sig)
	srv.Stop()
}
