// Package config loads the single configuration value shared by the
// commands. A file is YAML, or JSON with comments when its extension is
// .json or .jsonc. Fields missing from the file keep their defaults.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/tuneinsight/hemeter/aggregator"
	"github.com/tuneinsight/hemeter/codec"
	"github.com/tuneinsight/hemeter/engine"
	"github.com/tuneinsight/hemeter/producer"
	"github.com/tuneinsight/hemeter/server"
)

// Duration is a time.Duration written as a Go duration string, e.g. "5s".
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the configuration of every command.
type Config struct {
	Crypto      CryptoConfig      `yaml:"crypto" json:"crypto"`
	Fleet       FleetConfig       `yaml:"fleet" json:"fleet"`
	Transport   TransportConfig   `yaml:"transport" json:"transport"`
	Server      ServerConfig      `yaml:"server" json:"server"`
	Aggregation AggregationConfig `yaml:"aggregation" json:"aggregation"`
	Results     ResultsConfig     `yaml:"results" json:"results"`
	Log         LogConfig         `yaml:"log" json:"log"`
}

// CryptoConfig holds the parameters of the Context and the files it is
// kept in.
type CryptoConfig struct {
	engine.ParametersLiteral `yaml:",inline"`

	// ContextFile is the public context, read by the server and the fleet.
	ContextFile string `yaml:"context_file" json:"context_file"`
	// SecretFile is the age-sealed secret key, read by decrypt only.
	SecretFile string `yaml:"secret_file" json:"secret_file"`
}

// FleetConfig describes the simulated meters.
type FleetConfig struct {
	Meters   int             `yaml:"meters" json:"meters"`
	Prefix   string          `yaml:"prefix" json:"prefix"`
	Seed     string          `yaml:"seed" json:"seed"`
	Interval Duration        `yaml:"interval" json:"interval"`
	Batch    int             `yaml:"batch_size" json:"batch_size"`
	MaxWait  Duration        `yaml:"max_wait" json:"max_wait"`
	Queue    int             `yaml:"queue_size" json:"queue_size"`
	Policy   producer.Policy `yaml:"policy" json:"policy"`

	Model producer.ModelConfig `yaml:"model" json:"model"`
}

// TransportConfig is the producer side of the wire.
type TransportConfig struct {
	// Server is the address the meters dial.
	Server      string            `yaml:"server" json:"server"`
	Timeout     Duration          `yaml:"timeout" json:"timeout"`
	MaxRetries  int               `yaml:"max_retries" json:"max_retries"`
	Backoff     Duration          `yaml:"backoff" json:"backoff"`
	MaxBackoff  Duration          `yaml:"max_backoff" json:"max_backoff"`
	Grace       Duration          `yaml:"grace" json:"grace"`
	Compression codec.Compression `yaml:"compression" json:"compression"`
}

// ServerConfig is the ingestion server.
type ServerConfig struct {
	Listen         string   `yaml:"listen" json:"listen"`
	MaxConnections int      `yaml:"max_connections" json:"max_connections"`
	IdleTimeout    Duration `yaml:"idle_timeout" json:"idle_timeout"`
	WriteTimeout   Duration `yaml:"write_timeout" json:"write_timeout"`
	MaxFrameSize   int      `yaml:"max_frame_size" json:"max_frame_size"`
	// Admin is the address of the admin HTTP API. Empty disables it.
	Admin string `yaml:"admin" json:"admin"`
}

// AggregationConfig configures the aggregator and its scheduler.
type AggregationConfig struct {
	aggregator.Config `yaml:",inline"`

	// Interval is the period of the scheduled aggregations. Zero
	// disables the scheduler.
	Interval   Duration               `yaml:"interval" json:"interval"`
	Operations []aggregator.Operation `yaml:"operations" json:"operations"`
}

// ResultsConfig lists the sinks of the results. Empty paths disable them.
type ResultsConfig struct {
	File   string `yaml:"file" json:"file"`
	SQLite string `yaml:"sqlite" json:"sqlite"`
}

// LogConfig configures the logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" json:"level"`
	// Format is text or json.
	Format string `yaml:"format" json:"format"`
	// File, if set, receives the logs instead of stderr.
	File string `yaml:"file" json:"file"`
}

// Default returns the default configuration: ten meters reading every 5
// seconds in batches of 5, and a server on port 5000 that accepts 20
// connections.
func Default() *Config {
	return &Config{
		Crypto: CryptoConfig{
			ParametersLiteral: engine.DefaultParameters.CopyNew(),
			ContextFile:       "hemeter.context",
			SecretFile:        "hemeter.secret",
		},
		Fleet: FleetConfig{
			Meters:   10,
			Prefix:   "meter",
			Seed:     "hemeter",
			Interval: Duration(producer.DefaultConfig.Interval),
			Batch:    producer.DefaultConfig.BatchSize,
			MaxWait:  Duration(producer.DefaultConfig.MaxWait),
			Queue:    producer.DefaultConfig.QueueSize,
			Policy:   producer.DefaultConfig.Policy,
			Model:    producer.DefaultModel,
		},
		Transport: TransportConfig{
			Server:      "localhost:5000",
			Timeout:     Duration(producer.DefaultConfig.Timeout),
			MaxRetries:  producer.DefaultConfig.MaxRetries,
			Backoff:     Duration(producer.DefaultConfig.Backoff),
			MaxBackoff:  Duration(producer.DefaultConfig.MaxBackoff),
			Grace:       Duration(producer.DefaultConfig.Grace),
			Compression: producer.DefaultConfig.Compression,
		},
		Server: ServerConfig{
			Listen:         server.DefaultConfig.Addr,
			MaxConnections: server.DefaultConfig.MaxConnections,
			IdleTimeout:    Duration(server.DefaultConfig.IdleTimeout),
			WriteTimeout:   Duration(server.DefaultConfig.WriteTimeout),
			MaxFrameSize:   server.DefaultConfig.MaxFrameSize,
			Admin:          "localhost:5080",
		},
		Aggregation: AggregationConfig{
			Config:     aggregator.DefaultConfig,
			Interval:   Duration(time.Minute),
			Operations: []aggregator.Operation{aggregator.Sum, aggregator.Mean},
		},
		Results: ResultsConfig{
			File: filepath.Join("results", "results.jsonl"),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the file at path over the defaults and validates the result.
func Load(path string) (*Config, error) {

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot load config: %w", err)
	}

	cfg := Default()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		err = cfg.decodeJSON(data)
	default:
		err = cfg.decodeYAML(data)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot load config %s: %w", path, err)
	}

	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

func (c *Config) decodeYAML(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) decodeJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.DisallowUnknownFields()
	return dec.Decode(c)
}

// Write writes c as YAML.
func (c *Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return enc.Close()
}

// Validate reports every problem of the configuration.
func (c *Config) Validate() error {

	var errs []error

	check := func(section string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", section, err))
		}
	}

	check("crypto", c.Crypto.Validate())

	if c.Fleet.Meters <= 0 {
		errs = append(errs, fmt.Errorf("fleet: meters %d must be positive", c.Fleet.Meters))
	}
	check("fleet", c.Agent().Validate())

	if c.Transport.Server == "" {
		errs = append(errs, fmt.Errorf("transport: server address is required"))
	}

	check("server", c.ServerConfig().Validate())

	check("aggregation", c.Aggregation.Config.Validate())
	if c.Aggregation.Interval < 0 {
		errs = append(errs, fmt.Errorf("aggregation: interval %s is negative", time.Duration(c.Aggregation.Interval)))
	}
	if c.Aggregation.Interval > 0 && len(c.Aggregation.Operations) == 0 {
		errs = append(errs, fmt.Errorf("aggregation: scheduled aggregation without operation"))
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	if f := c.Log.Format; f != "" && f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log: unknown format %q", f))
	}

	return errors.Join(errs...)
}

// Agent returns the configuration of the producer agents.
func (c *Config) Agent() producer.Config {
	return producer.Config{
		Interval:    time.Duration(c.Fleet.Interval),
		BatchSize:   c.Fleet.Batch,
		MaxWait:     time.Duration(c.Fleet.MaxWait),
		QueueSize:   c.Fleet.Queue,
		Policy:      c.Fleet.Policy,
		Timeout:     time.Duration(c.Transport.Timeout),
		MaxRetries:  c.Transport.MaxRetries,
		Backoff:     time.Duration(c.Transport.Backoff),
		MaxBackoff:  time.Duration(c.Transport.MaxBackoff),
		Grace:       time.Duration(c.Transport.Grace),
		Compression: c.Transport.Compression,
		Model:       c.Fleet.Model,
	}
}

// FleetConfig returns the configuration of the producer fleet.
func (c *Config) FleetConfig() producer.FleetConfig {
	return producer.FleetConfig{
		Size:   c.Fleet.Meters,
		Prefix: c.Fleet.Prefix,
		Seed:   []byte(c.Fleet.Seed),
		Agent:  c.Agent(),
	}
}

// ServerConfig returns the configuration of the ingestion server.
func (c *Config) ServerConfig() server.Config {
	return server.Config{
		Addr:           c.Server.Listen,
		MaxConnections: c.Server.MaxConnections,
		IdleTimeout:    time.Duration(c.Server.IdleTimeout),
		WriteTimeout:   time.Duration(c.Server.WriteTimeout),
		MaxFrameSize:   c.Server.MaxFrameSize,
	}
}
