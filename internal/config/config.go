package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

const DefaultFile = "config.yaml"

type Config struct {
	WorkingDir    string              `yaml:"workingDir"`
	DataPath      string              `yaml:"dataPath"`
	MinimumFreeGB int                 `yaml:"minimumFreeGB"`
	BaseURL       string              `yaml:"baseURL"`
	Port          int                 `yaml:"port"`
	InMemory      bool                `yaml:"inMemory"`
	WatchSchemas  bool                `yaml:"watchSchemas"`
	Debounce      time.Duration       `yaml:"debounce"`
	GCInterval    time.Duration       `yaml:"gcInterval"`
	LogLevel      string              `yaml:"logLevel"`
	Workers       int                 `yaml:"workers"`
	Admins        []string            `yaml:"admins"`
	Groups        map[string][]string `yaml:"groups"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	var c Config
	c.applyDefaults()
	return c
}

// Load reads the YAML file at path. A missing file at the default location
// yields the defaults; a missing file that was asked for explicitly is an
// error.
func Load(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	config.applyDefaults()
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.WorkingDir == "" {
		c.WorkingDir = "."
	}

	if c.DataPath == "" {
		c.DataPath = "./data"
	}

	if c.MinimumFreeGB == 0 {
		c.MinimumFreeGB = 1
	}

	if c.BaseURL == "" {
		c.BaseURL = "http://localhost"
	}

	if c.Port == 0 {
		c.Port = 8123
	}

	if c.Debounce == 0 {
		c.Debounce = 500 * time.Millisecond
	}

	if c.GCInterval == 0 {
		c.GCInterval = 5 * time.Minute
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// NewLogger returns a logger at the configured level.
func (c Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	log := logrus.New()
	log.SetLevel(level)
	return log, nil
}
