package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"hwbridge/config"
	"hwbridge/engine"
	"hwbridge/logging"
	"hwbridge/registry"
	"hwbridge/server"
	"hwbridge/transport"
)

var rootCmd = &cobra.Command{
	Use:   "hwbridge",
	Short: "UART to WebSocket bridge for the memory lab firmware",
	Long: `hwbridge owns a serial port connected to the microcontroller and serves the
measurement protocol on a WebSocket, so clients run experiments on the MCU exactly like
on the desktop backend.`,
	SilenceUsage: true,
	RunE:         runBridge,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	bindFlags(rootCmd)
}

func bindFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("config", "", "YAML config file")
	f.StringP("port", "p", "", "serial port of the MCU (see 'hwbridge ports')")
	f.IntP("baud", "b", 0, "serial baud rate")
	f.IntP("ws-port", "w", 0, "WebSocket port, shorthand for --listen :PORT")
	f.String("listen", "", "WebSocket listen address")
	f.StringSlice("etcd", nil, "etcd endpoints to register the bridge with")
	f.String("advertise", "", "host:port registered in etcd")
	f.Bool("mdns", false, "advertise the bridge over mDNS")
	f.Bool("metrics", false, "serve Prometheus metrics on /metrics")
	f.String("log-level", "", "debug, info, warn or error")
}

// loadForInspection loads path, or the defaults when path is empty, without requiring a
// serial port.
func loadForInspection(path string) (config.Bridge, error) {
	if path == "" {
		return config.DefaultBridge(), nil
	}
	return config.LoadBridge(path)
}

// bridgeConfig loads the config file and applies the flags the user set.
func bridgeConfig(cmd *cobra.Command) (config.Bridge, error) {
	f := cmd.Flags()
	path, _ := f.GetString("config")
	cfg, err := loadForInspection(path)
	if err != nil {
		return config.Bridge{}, err
	}

	if f.Changed("port") {
		cfg.Serial.Port, _ = f.GetString("port")
	}
	if f.Changed("baud") {
		cfg.Serial.BaudRate, _ = f.GetInt("baud")
	}
	if f.Changed("ws-port") {
		port, _ := f.GetInt("ws-port")
		cfg.Listen = fmt.Sprintf(":%d", port)
	}
	if f.Changed("listen") {
		cfg.Listen, _ = f.GetString("listen")
	}
	if f.Changed("etcd") {
		cfg.Registry.Endpoints, _ = f.GetStringSlice("etcd")
	}
	if f.Changed("advertise") {
		cfg.Registry.Advertise, _ = f.GetString("advertise")
	}
	if f.Changed("mdns") {
		cfg.MDNS.Enabled, _ = f.GetBool("mdns")
	}
	if f.Changed("metrics") {
		cfg.Metrics, _ = f.GetBool("metrics")
	}
	if f.Changed("log-level") {
		cfg.Log.Level, _ = f.GetString("log-level")
	}

	if cfg.Serial.Port == "" {
		return config.Bridge{}, errors.New("no serial port given; pass --port (list candidates with 'hwbridge ports')")
	}
	return cfg, cfg.Validate()
}

func runBridge(cmd *cobra.Command, _ []string) error {
	cfg, err := bridgeConfig(cmd)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	log := logging.New(level, cfg.Log.Format, os.Stderr)
	slog.SetDefault(log)

	table, err := cfg.FunctionTable()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	device := server.NewDevice(server.DeviceConfig{
		Serial: transport.SerialConfig{
			Port:         cfg.Serial.Port,
			BaudRate:     cfg.Serial.BaudRate,
			ReadSlice:    cfg.Serial.ReadSlice,
			SettleDelay:  cfg.Serial.SettleDelay,
			MaxFrameSize: cfg.Serial.MaxFrameSize,
			Table:        table,
		},
		Engine: engine.Config{CancelTimeout: cfg.Timeouts.Cancel},
		Logger: log,
	})
	log.Info("opening serial port", "port", cfg.Serial.Port, "baud", cfg.Serial.BaudRate)
	if err := device.Open(ctx); err != nil {
		return fmt.Errorf("open %s: %w", cfg.Serial.Port, err)
	}

	srvCfg := server.Config{
		Name:           cfg.Name,
		Version:        cfg.Version,
		ExecuteTimeout: cfg.Timeouts.Execute,
		RawTimeout:     cfg.Timeouts.Raw,
		IdleTimeout:    cfg.Timeouts.Idle,
		RateLimit:      cfg.RateLimit.Rate,
		Burst:          cfg.RateLimit.Burst,
		Service:        cfg.Registry.Service,
		Advertise:      cfg.Registry.Advertise,
		RegistryTTL:    cfg.Registry.TTL,
		MDNS:           cfg.MDNS.Enabled,
		MDNSService:    cfg.MDNS.Service,
		MDNSDomain:     cfg.MDNS.Domain,
		MDNSInstance:   cfg.MDNS.Instance,
		Logger:         log,
	}
	if cfg.Metrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		srvCfg.Metrics = reg
	}
	if len(cfg.Registry.Endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout)
		if err != nil {
			device.Close()
			return err
		}
		defer reg.Close()
		srvCfg.Registry = reg
	}

	srv := server.New(device, srvCfg)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe(cfg.Listen) }()

	select {
	case err := <-serveErr:
		device.Close()
		return err
	case <-ctx.Done():
		log.Info("shutting down", "timeout", cfg.Timeouts.Shutdown)
	}

	if err := srv.Shutdown(cfg.Timeouts.Shutdown); err != nil {
		return err
	}
	if err := <-serveErr; err != nil {
		return err
	}
	log.Info("bridge stopped")
	return nil
}
