// Package config loads the YAML configuration shared by the relay and the client.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"e2e_core/internal/model"

	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid configuration")

type (
	Config struct {
		Log            Log            `yaml:"log"`
		Redis          Redis          `yaml:"redis"`
		Mongo          Mongo          `yaml:"mongo"`
		Server         Server         `yaml:"server"`
		Client         Client         `yaml:"client"`
		Processor      Processor      `yaml:"processor"`
		ForwardSecrecy ForwardSecrecy `yaml:"forward_secrecy"`
		NonceGuard     NonceGuard     `yaml:"nonce_guard"`
		Metrics        Metrics        `yaml:"metrics"`
	}

	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	}

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	Mongo struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	Server struct {
		Listen string `yaml:"listen"`
	}

	Client struct {
		RelayHost string `yaml:"relay_host"`
		Identity  string `yaml:"identity"`
		DataDir   string `yaml:"data_dir"`
		// BlobURL is the base of the media server, empty disables media fetches.
		BlobURL string `yaml:"blob_url"`
	}

	Processor struct {
		MaxBytesToDecrypt int           `yaml:"max_bytes_to_decrypt"`
		ThumbnailTimeout  time.Duration `yaml:"thumbnail_timeout"`
		MaxConcurrent     int64         `yaml:"max_concurrent"`
	}

	ForwardSecrecy struct {
		Enabled    bool `yaml:"enabled"`
		MinVersion int  `yaml:"min_version"`
		MaxVersion int  `yaml:"max_version"`
	}

	NonceGuard struct {
		// Backend is memory, redis or badger.
		Backend    string `yaml:"backend"`
		BadgerPath string `yaml:"badger_path"`
	}

	Metrics struct {
		Listen string `yaml:"listen"`
	}
)

func Default() Config {
	return Config{
		Log:   Log{Level: "info"},
		Redis: Redis{Addr: "localhost:6379"},
		Mongo: Mongo{URI: "mongodb://localhost:27017", Database: "e2e_core"},
		Server: Server{
			Listen: ":8080",
		},
		Client: Client{
			RelayHost: "localhost:8080",
			DataDir:   ".e2e_core",
		},
		Processor: Processor{
			MaxBytesToDecrypt: 1 << 20,
			ThumbnailTimeout:  10 * time.Second,
			MaxConcurrent:     32,
		},
		ForwardSecrecy: ForwardSecrecy{
			Enabled:    true,
			MinVersion: int(model.Version1),
			MaxVersion: int(model.Version2),
		},
		NonceGuard: NonceGuard{Backend: "redis"},
	}
}

// Load overlays the file at path on Default. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.Processor.MaxBytesToDecrypt < 0 {
		errs = append(errs, fmt.Errorf("processor.max_bytes_to_decrypt %d is negative", c.Processor.MaxBytesToDecrypt))
	}
	if c.Processor.ThumbnailTimeout < 0 {
		errs = append(errs, fmt.Errorf("processor.thumbnail_timeout %s is negative", c.Processor.ThumbnailTimeout))
	}
	if c.Processor.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("processor.max_concurrent %d is negative", c.Processor.MaxConcurrent))
	}

	fs := c.ForwardSecrecy
	if fs.MinVersion < int(model.Version1) || fs.MaxVersion > int(model.Version2) || fs.MinVersion > fs.MaxVersion {
		errs = append(errs, fmt.Errorf("forward_secrecy versions %d..%d outside %d..%d",
			fs.MinVersion, fs.MaxVersion, model.Version1, model.Version2))
	}

	switch c.NonceGuard.Backend {
	case "memory", "redis":
	case "badger":
		if c.NonceGuard.BadgerPath == "" {
			errs = append(errs, errors.New("nonce_guard.badger_path is required for the badger backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("nonce_guard.backend %q is not memory, redis or badger", c.NonceGuard.Backend))
	}

	if c.Client.Identity != "" && !model.Identity(c.Client.Identity).Valid() {
		errs = append(errs, fmt.Errorf("client.identity %q is not a valid identity", c.Client.Identity))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func (f ForwardSecrecy) Versions() (lo, hi model.FSVersion) {
	return model.FSVersion(f.MinVersion), model.FSVersion(f.MaxVersion)
}
