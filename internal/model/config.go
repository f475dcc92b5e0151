package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the scanbridge configuration file.
type Config struct {
	Version int     `yaml:"version"` // fixed 0 for now
	Service Service `yaml:"service"`
	Worker  Worker  `yaml:"worker"`
	Network Network `yaml:"network"`
}

type Service struct {
	Verbose bool `yaml:"verbose"`
}

// Worker configures the worker process pool.
type Worker struct {
	Path           string        `yaml:"path,omitempty"`   // empty => own executable with the _worker command
	Path32         string        `yaml:"path32,omitempty"` // worker for 32-bit only drivers
	Args           []string      `yaml:"args,omitempty"`
	Env            []string      `yaml:"env,omitempty"`
	MaxWorkers     int           `yaml:"max_workers"`
	Spare          int           `yaml:"spare"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	HealthInterval time.Duration `yaml:"health_interval"`
	CancelGrace    time.Duration `yaml:"cancel_grace"`
	ParentPoll     time.Duration `yaml:"parent_poll"`
	TempDir        string        `yaml:"temp_dir,omitempty"`
	RecoveryDir    string        `yaml:"recovery_dir,omitempty"`
	OCR            OCR           `yaml:"ocr"`
}

// OCR is handed to drivers verbatim; the coordinator does not run OCR.
type OCR struct {
	Enabled  bool   `yaml:"enabled"`
	Language string `yaml:"language,omitempty"`
}

type Network struct {
	Listen      string        `yaml:"listen,omitempty"`
	Token       string        `yaml:"token,omitempty"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	CancelGrace time.Duration `yaml:"cancel_grace"`
}

func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Worker: Worker{
			MaxWorkers:     2,
			Spare:          0,
			StartupTimeout: 10 * time.Second,
			AcquireTimeout: 30 * time.Second,
			HealthInterval: 15 * time.Second,
			CancelGrace:    5 * time.Second,
			ParentPoll:     time.Second,
			OCR:            OCR{Language: "eng"},
		},
		Network: Network{
			Listen:      "127.0.0.1:9801",
			DialTimeout: 5 * time.Second,
			CancelGrace: 5 * time.Second,
		},
	}
}

// LoadConfig decodes YAML from r on top of DefaultConfig and validates it.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig(context.Background())
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Version != 0 {
		errs = append(errs, fmt.Errorf("config version %d is not supported, expected 0", c.Version))
	}
	w := c.Worker
	if w.MaxWorkers < 1 {
		errs = append(errs, fmt.Errorf("worker.max_workers must be positive, got %d", w.MaxWorkers))
	}
	if w.Spare < 0 || w.Spare > w.MaxWorkers {
		errs = append(errs, fmt.Errorf("worker.spare must be within 0-%d, got %d", w.MaxWorkers, w.Spare))
	}
	for name, d := range map[string]time.Duration{
		"worker.startup_timeout": w.StartupTimeout,
		"worker.acquire_timeout": w.AcquireTimeout,
		"worker.health_interval": w.HealthInterval,
		"worker.cancel_grace":    w.CancelGrace,
		"worker.parent_poll":     w.ParentPoll,
		"network.dial_timeout":   c.Network.DialTimeout,
		"network.cancel_grace":   c.Network.CancelGrace,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	return errors.Join(errs...)
}
