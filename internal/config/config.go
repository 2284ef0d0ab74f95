// Package config loads run configuration from YAML files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/born-ml/vecadd/internal/adder"
	"github.com/born-ml/vecadd/internal/backend"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration of a run.
type Config struct {
	// ElementCount is the number of float32 elements per buffer.
	ElementCount int `yaml:"element_count"`
	// Backend selects the device: auto, cpu or webgpu.
	Backend string `yaml:"backend"`
	// Timeout bounds the wait for the device. Zero waits forever.
	Timeout time.Duration `yaml:"timeout"`
	// Seed seeds operand generation. Zero picks a random seed.
	Seed uint64 `yaml:"seed"`
	// Repeat runs the session this many times on one device.
	Repeat int `yaml:"repeat"`
	// Workers bounds host-side goroutines. Zero uses one per CPU.
	Workers int `yaml:"workers"`
	// MemoryLimit caps cpu device buffer bytes. Zero means unlimited.
	MemoryLimit uint64 `yaml:"memory_limit"`
	// LogLevel is a logrus level: trace, debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// LogFormat is text or json.
	LogFormat string `yaml:"log_format"`
}

// Default returns the configuration of the reference run.
func Default() Config {
	return Config{
		ElementCount: adder.DefaultElementCount,
		Backend:      string(backend.Auto),
		Repeat:       1,
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

// Load reads the YAML file at path over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML data over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that every field holds a usable value.
func (c Config) Validate() error {
	if c.ElementCount < 1 {
		return fmt.Errorf("element_count must be at least 1, got %d", c.ElementCount)
	}
	if _, err := backend.ParseKind(c.Backend); err != nil {
		return err
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", c.Timeout)
	}
	if c.Repeat < 1 {
		return fmt.Errorf("repeat must be at least 1, got %d", c.Repeat)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (logrus.Level, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// Session returns the session configuration.
func (c Config) Session(logger logrus.FieldLogger) adder.Config {
	return adder.Config{
		ElementCount: c.ElementCount,
		Timeout:      c.Timeout,
		Seed:         c.Seed,
		Workers:      c.Workers,
		Logger:       logger,
	}
}

// Device returns the device options.
func (c Config) Device() backend.Options {
	return backend.Options{
		Workers:     c.Workers,
		MemoryLimit: c.MemoryLimit,
	}
}

// NewLogger builds the logger described by LogLevel and LogFormat, writing to w.
func (c Config) NewLogger(w io.Writer) (*logrus.Logger, error) {
	level, err := c.Level()
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	log.SetOutput(w)
	log.SetLevel(level)
	if c.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
	return log, nil
}
