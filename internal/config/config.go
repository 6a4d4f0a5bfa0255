package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ilyakaznacheev/cleanenv"
)

const (
	EnvLocal = "local"
	EnvDebug = "debug"
	EnvProd  = "prod"
)

// DefaultPath is read when BOOTEXTRACT_CONFIG is not set. A missing file is
// not an error; environment variables and defaults still apply.
const DefaultPath = "config/config.yaml"

type Config struct {
	Env          string   `yaml:"env" env:"BOOTEXTRACT_ENV" env-default:"local"`
	HTTP         HTTP     `yaml:"http"`
	DataDir      string   `yaml:"data_dir" env:"BOOTEXTRACT_DATA_DIR" env-default:"local-data"`
	ResultBucket string   `yaml:"result_bucket" env:"BOOTEXTRACT_RESULT_BUCKET"`
	TargetName   string   `yaml:"target_name" env:"BOOTEXTRACT_TARGET" env-default:"boot.img"`
	Download     Download `yaml:"download"`
}

type HTTP struct {
	Addr        string        `yaml:"addr" env:"BOOTEXTRACT_ADDR" env-default:":8080"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"BOOTEXTRACT_IDLE_TIMEOUT" env-default:"60s"`
}

type Download struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"BOOTEXTRACT_CONNECT_TIMEOUT" env-default:"30s"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"BOOTEXTRACT_READ_TIMEOUT" env-default:"30s"`
	// ChunkSize accepts human-readable sizes such as "1MiB" or "512KB".
	ChunkSize string `yaml:"chunk_size" env:"BOOTEXTRACT_CHUNK_SIZE" env-default:"1MiB"`
	UserAgent string `yaml:"user_agent" env:"BOOTEXTRACT_USER_AGENT" env-default:"bootextract/1.0"`
}

// Load reads the YAML file at path if it exists, then applies environment
// overrides and defaults.
func Load(path string) (Config, error) {
	var cfg Config

	_, statErr := os.Stat(path)
	switch {
	case path != "" && statErr == nil:
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	case path == "" || errors.Is(statErr, fs.ErrNotExist):
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return Config{}, fmt.Errorf("read config env: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("stat config file: %w", statErr)
	}

	if cfg.ResultBucket == "" {
		abs, err := filepath.Abs(filepath.Join(cfg.DataDir, "results"))
		if err != nil {
			return Config{}, fmt.Errorf("resolve data dir: %w", err)
		}
		cfg.ResultBucket = "file://" + filepath.ToSlash(abs)
	}

	return cfg, cfg.Validate()
}

// ChunkBytes returns the parsed download chunk size.
func (c Config) ChunkBytes() (int, error) {
	n, err := humanize.ParseBytes(c.Download.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("parse chunk_size: %w", err)
	}
	return int(n), nil
}

func (c Config) Validate() error {
	switch c.Env {
	case EnvLocal, EnvDebug, EnvProd:
	default:
		return fmt.Errorf("config: unknown env %q", c.Env)
	}
	if c.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	if c.TargetName == "" || filepath.Base(c.TargetName) != c.TargetName {
		return fmt.Errorf("config: target_name must be a plain file name, got %q", c.TargetName)
	}
	n, err := c.ChunkBytes()
	if err != nil {
		return err
	}
	if n <= 0 {
		return errors.New("config: chunk_size must be positive")
	}
	if c.Download.ConnectTimeout <= 0 || c.Download.ReadTimeout <= 0 {
		return errors.New("config: download timeouts must be positive")
	}
	return nil
}
