// Package config loads bridge and client settings from YAML. Every field has a default,
// so an absent file means "run with defaults"; CLI flags override file values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"hwbridge/codec"
	"hwbridge/discovery"
	"hwbridge/registry"
	"hwbridge/transport"
)

const (
	BridgeName    = "HardwareTester-MCU"
	BridgeVersion = "1.0.0"
)

type Serial struct {
	Port         string        `yaml:"port"`
	BaudRate     int           `yaml:"baud_rate"`
	ReadSlice    time.Duration `yaml:"read_slice"`
	SettleDelay  time.Duration `yaml:"settle_delay"`
	MaxFrameSize int           `yaml:"max_frame_size"`
}

type Timeouts struct {
	Execute  time.Duration `yaml:"execute"`  // default for execute without params.timeout
	Raw      time.Duration `yaml:"raw"`      // raw passthrough
	Cancel   time.Duration `yaml:"cancel"`   // sending ETX and draining abandoned frames
	Idle     time.Duration `yaml:"idle"`     // session closed after this long without a request
	Shutdown time.Duration `yaml:"shutdown"` // wait for in-flight requests on shutdown
}

type RateLimit struct {
	Rate  float64 `yaml:"rate"` // requests per second, 0 disables
	Burst int     `yaml:"burst"`
}

type Registry struct {
	Endpoints   []string      `yaml:"endpoints"` // empty disables etcd
	Service     string        `yaml:"service"`
	TTL         int64         `yaml:"ttl"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// Advertise is the host:port registered for this bridge. Defaults to the listen port
	// on the first local address.
	Advertise string `yaml:"advertise"`
}

type MDNS struct {
	Enabled  bool   `yaml:"enabled"`
	Service  string `yaml:"service"`
	Domain   string `yaml:"domain"`
	Instance string `yaml:"instance"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Bridge configures the UART bridge server.
type Bridge struct {
	Name      string           `yaml:"name"`
	Version   string           `yaml:"version"`
	Listen    string           `yaml:"listen"`
	Metrics   bool             `yaml:"metrics"`
	Serial    Serial           `yaml:"serial"`
	Timeouts  Timeouts         `yaml:"timeouts"`
	RateLimit RateLimit        `yaml:"rate_limit"`
	Functions []codec.Function `yaml:"functions"`
	Registry  Registry         `yaml:"registry"`
	MDNS      MDNS             `yaml:"mdns"`
	Log       Log              `yaml:"log"`
}

// Client configures discovery and requests of the command-line client.
type Client struct {
	Address      string        `yaml:"address"` // skip discovery when set
	Port         int           `yaml:"port"`
	Identity     string        `yaml:"identity"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	BatchSize    int           `yaml:"batch_size"`
	Timeout      time.Duration `yaml:"timeout"`
	MDNS         bool          `yaml:"mdns"`
	Registry     Registry      `yaml:"registry"`
	Log          Log           `yaml:"log"`
}

func DefaultBridge() Bridge {
	return Bridge{
		Name:    BridgeName,
		Version: BridgeVersion,
		Listen:  fmt.Sprintf(":%d", discovery.DefaultPort),
		Serial: Serial{
			BaudRate:    transport.DefaultBaudRate,
			ReadSlice:   transport.DefaultReadSlice,
			SettleDelay: transport.DefaultSettleDelay,
		},
		Timeouts: Timeouts{
			Execute:  60 * time.Second,
			Raw:      10 * time.Second,
			Cancel:   2 * time.Second,
			Idle:     10 * time.Minute,
			Shutdown: 5 * time.Second,
		},
		RateLimit: RateLimit{Rate: 5, Burst: 10},
		Functions: codec.DefaultFunctions(),
		Registry: Registry{
			Service:     registry.DefaultService,
			TTL:         10,
			DialTimeout: 2 * time.Second,
		},
		MDNS: MDNS{
			Service: discovery.DefaultMDNSService,
			Domain:  discovery.DefaultMDNSDomain,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

func DefaultClient() Client {
	return Client{
		Port:         discovery.DefaultPort,
		Identity:     discovery.DefaultIdentity,
		ProbeTimeout: discovery.DefaultProbeTimeout,
		BatchSize:    discovery.DefaultBatchSize,
		Timeout:      60 * time.Second,
		Registry: Registry{
			Service:     registry.DefaultService,
			DialTimeout: 2 * time.Second,
		},
		Log: Log{Level: "warn", Format: "text"},
	}
}

// LoadBridge reads path over DefaultBridge. An empty path returns the defaults.
func LoadBridge(path string) (Bridge, error) {
	cfg := DefaultBridge()
	if err := load(path, &cfg); err != nil {
		return Bridge{}, err
	}
	return cfg, cfg.Validate()
}

// LoadClient reads path over DefaultClient. An empty path returns the defaults.
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()
	if err := load(path, &cfg); err != nil {
		return Client{}, err
	}
	return cfg, cfg.Validate()
}

func load(path string, into any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(into); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// FunctionTable builds the validated function table.
func (b *Bridge) FunctionTable() (*codec.FunctionTable, error) {
	return codec.NewFunctionTable(b.Functions)
}

func (b *Bridge) Validate() error {
	var errs []error
	if b.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if b.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if b.Serial.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("serial.baud_rate must be positive, got %d", b.Serial.BaudRate))
	}
	if b.Timeouts.Execute <= 0 || b.Timeouts.Raw <= 0 || b.Timeouts.Cancel <= 0 {
		errs = append(errs, errors.New("timeouts.execute, timeouts.raw and timeouts.cancel must be positive"))
	}
	if b.RateLimit.Rate < 0 || (b.RateLimit.Rate > 0 && b.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("rate_limit needs a non-negative rate and a positive burst"))
	}
	if len(b.Functions) == 0 {
		errs = append(errs, errors.New("functions must not be empty"))
	} else if _, err := b.FunctionTable(); err != nil {
		errs = append(errs, err)
	}
	if len(b.Registry.Endpoints) > 0 && b.Registry.TTL <= 0 {
		errs = append(errs, errors.New("registry.ttl must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Client) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port out of range: %d", c.Port))
	}
	if c.Identity == "" {
		errs = append(errs, errors.New("identity is required"))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("batch_size must be positive"))
	}
	return errors.Join(errs...)
}
