package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the daemon.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Addr                string `json:"addr" yaml:"addr" toml:"addr"`
	LogLevel            string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat           string `json:"log_format" yaml:"log_format" toml:"log_format"`
	MaxBodyBytes        int64  `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	InferTimeoutSeconds int    `json:"infer_timeout_seconds" yaml:"infer_timeout_seconds" toml:"infer_timeout_seconds"`

	CORS     CORS     `json:"cors" yaml:"cors" toml:"cors"`
	Dispatch Dispatch `json:"dispatch" yaml:"dispatch" toml:"dispatch"`
	Sampling Sampling `json:"sampling" yaml:"sampling" toml:"sampling"`
	Backend  Backend  `json:"backend" yaml:"backend" toml:"backend"`
}

// CORS is opt-in; nothing is sent unless Enabled.
type CORS struct {
	Enabled        bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
	AllowedMethods []string `json:"allowed_methods" yaml:"allowed_methods" toml:"allowed_methods"`
	AllowedHeaders []string `json:"allowed_headers" yaml:"allowed_headers" toml:"allowed_headers"`
}

type Dispatch struct {
	ControlBuffer int `json:"control_buffer" yaml:"control_buffer" toml:"control_buffer"`
	// MaxBatch caps tasks per decode; 0 drains the whole queue.
	MaxBatch int `json:"max_batch" yaml:"max_batch" toml:"max_batch"`
}

// Sampling seeds the runtime-adjustable sampling arguments.
type Sampling struct {
	Temperature float32 `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopK        int     `json:"top_k" yaml:"top_k" toml:"top_k"`
	TopP        float32 `json:"top_p" yaml:"top_p" toml:"top_p"`
	Seed        int64   `json:"seed" yaml:"seed" toml:"seed"`
}

// Backend configures the built-in toy engine.
type Backend struct {
	VocabSize   int    `json:"vocab_size" yaml:"vocab_size" toml:"vocab_size"`
	MaxSeqLen   int    `json:"max_seq_len" yaml:"max_seq_len" toml:"max_seq_len"`
	EOS         uint32 `json:"eos" yaml:"eos" toml:"eos"`
	StepDelayMS int    `json:"step_delay_ms" yaml:"step_delay_ms" toml:"step_delay_ms"`
}

// Defaults returns the configuration used when nothing is specified.
func Defaults() Config {
	return Config{
		Addr:                ":8080",
		LogLevel:            "info",
		LogFormat:           "console",
		MaxBodyBytes:        1 << 20,
		InferTimeoutSeconds: 0,
		Dispatch:            Dispatch{ControlBuffer: 64},
		Sampling:            Sampling{TopP: 1},
		Backend:             Backend{VocabSize: 64, MaxSeqLen: 256, EOS: 0},
	}
}

// ApplyDefaults fills every unspecified field from Defaults. Sampling is left
// alone: its zero value (greedy) is meaningful.
func (c *Config) ApplyDefaults() {
	d := Defaults()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.InferTimeoutSeconds < 0 {
		c.InferTimeoutSeconds = 0
	}
	if c.Dispatch.ControlBuffer <= 0 {
		c.Dispatch.ControlBuffer = d.Dispatch.ControlBuffer
	}
	if c.Dispatch.MaxBatch < 0 {
		c.Dispatch.MaxBatch = 0
	}
	if c.Backend.VocabSize == 0 {
		c.Backend.VocabSize = d.Backend.VocabSize
	}
	if c.Backend.MaxSeqLen == 0 {
		c.Backend.MaxSeqLen = d.Backend.MaxSeqLen
	}
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml. A leading ~ in path is expanded.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	path, err := expandHome(path)
	if err != nil {
		return cfg, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// expandHome expands a leading '~' to the user's home directory.
func expandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}
