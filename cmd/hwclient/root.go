package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"hwbridge/client"
	"hwbridge/config"
	"hwbridge/discovery"
	"hwbridge/logging"
	"hwbridge/registry"
)

var rootCmd = &cobra.Command{
	Use:   "hwclient",
	Short: "Run memory experiments on a desktop backend or a UART bridge",
	Long: `hwclient connects to a measurement backend, given with --address or found on the
local network, and runs one command on it. Ctrl-C cancels the running experiment on the
backend before exiting.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "YAML config file")
	pf.StringP("address", "a", "", "backend address; discovered when empty")
	pf.Int("port", 0, "backend port")
	pf.String("identity", "", "serverName prefix a backend must announce")
	pf.Bool("mdns", false, "browse mDNS during discovery")
	pf.StringSlice("etcd", nil, "etcd endpoints consulted during discovery")
	pf.Duration("timeout", 0, "request timeout")
	pf.String("log-level", "", "debug, info, warn or error")
}

// clientConfig loads the config file and applies the flags the user set.
func clientConfig(cmd *cobra.Command) (config.Client, error) {
	f := cmd.Flags()
	cfg := config.DefaultClient()
	if path, _ := f.GetString("config"); path != "" {
		loaded, err := config.LoadClient(path)
		if err != nil {
			return config.Client{}, err
		}
		cfg = loaded
	}

	if f.Changed("address") {
		cfg.Address, _ = f.GetString("address")
	}
	if f.Changed("port") {
		cfg.Port, _ = f.GetInt("port")
	}
	if f.Changed("identity") {
		cfg.Identity, _ = f.GetString("identity")
	}
	if f.Changed("mdns") {
		cfg.MDNS, _ = f.GetBool("mdns")
	}
	if f.Changed("etcd") {
		cfg.Registry.Endpoints, _ = f.GetStringSlice("etcd")
	}
	if f.Changed("timeout") {
		cfg.Timeout, _ = f.GetDuration("timeout")
	}
	if f.Changed("log-level") {
		cfg.Log.Level, _ = f.GetString("log-level")
	}
	return cfg, cfg.Validate()
}

// session is what every subcommand needs: a context cancelled by Ctrl-C and the
// discovery service built from the config.
type session struct {
	ctx       context.Context
	cfg       config.Client
	log       *slog.Logger
	discovery *discovery.Service
	closers   []io.Closer
}

func newSession(cmd *cobra.Command) (*session, func(), error) {
	cfg, err := clientConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	log := logging.New(level, cfg.Log.Format, os.Stderr)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	s := &session{ctx: ctx, cfg: cfg, log: log}

	dcfg := discovery.Config{
		Port:         cfg.Port,
		Identity:     cfg.Identity,
		ProbeTimeout: cfg.ProbeTimeout,
		BatchSize:    cfg.BatchSize,
		Service:      cfg.Registry.Service,
		MDNS:         cfg.MDNS,
		Logger:       log,
	}
	if len(cfg.Registry.Endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout)
		if err != nil {
			stop()
			return nil, nil, err
		}
		dcfg.Registry = reg
		s.closers = append(s.closers, reg)
	}
	s.discovery = discovery.New(dcfg)

	cleanup := func() {
		for i := len(s.closers) - 1; i >= 0; i-- {
			s.closers[i].Close()
		}
		stop()
	}
	return s, cleanup, nil
}

// connect opens a client to the configured or discovered backend.
func (s *session) connect() (*client.Client, error) {
	c := client.New(client.Config{
		Address:   s.cfg.Address,
		Port:      s.cfg.Port,
		Discovery: s.discovery,
		Identity:  s.cfg.Identity,
		Timeout:   s.cfg.Timeout,
		Logger:    s.log,
	})
	if err := c.Connect(s.ctx); err != nil {
		return nil, err
	}
	s.closers = append(s.closers, closerFunc(c.Close))
	return c, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
