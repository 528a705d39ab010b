package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the kiln configuration file (~/.config/kiln/config.yaml).
// Sampling fields are pointers so "not set" and zero stay distinguishable.
type Config struct {
	VocabPath  string `yaml:"vocab_path"`
	MergesPath string `yaml:"merges_path"`
	Devices    string `yaml:"devices"`

	// Sampling defaults
	Temperature  *float64 `yaml:"temperature"`
	TopK         *int64   `yaml:"top_k"`
	TopP         *float64 `yaml:"top_p"`
	MaxNewTokens *int64   `yaml:"max_new_tokens"`
	Seed         *int64   `yaml:"seed"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "kiln", "config.yaml")
}

// applyCommonConfig fills common flags from the config file when the
// corresponding CLI flag was not explicitly set.
func applyCommonConfig(c *cli.Command, cfg Config) {
	if cfg.VocabPath != "" && !c.IsSet("vocab") {
		vocabPath = cfg.VocabPath
	}
	if cfg.MergesPath != "" && !c.IsSet("merges") {
		mergesPath = cfg.MergesPath
	}
	if cfg.Devices != "" && !c.IsSet("devices") {
		deviceList = cfg.Devices
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applySamplingConfig fills sampling flags from the config file.
func applySamplingConfig(c *cli.Command, cfg Config) {
	if cfg.Temperature != nil && !c.IsSet("temperature") && !c.IsSet("temp") && !c.IsSet("t") {
		temperature = *cfg.Temperature
	}
	if cfg.TopK != nil && !c.IsSet("top-k") {
		topK = *cfg.TopK
	}
	if cfg.TopP != nil && !c.IsSet("top-p") {
		topP = *cfg.TopP
	}
	if cfg.MaxNewTokens != nil && !c.IsSet("max-new-tokens") && !c.IsSet("n") {
		maxNewTokens = *cfg.MaxNewTokens
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file
// doesn't exist or cannot be parsed.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
