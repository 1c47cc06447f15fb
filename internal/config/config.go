// Package config loads igexplain settings from a YAML file, a .env file and
// the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Brownie44l1/fer-ig/internal/preprocess"
)

type Config struct {
	Model       ModelConfig       `yaml:"model"`
	Attribution AttributionConfig `yaml:"attribution"`
	Output      OutputConfig      `yaml:"output"`
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ModelConfig struct {
	Path         string `yaml:"path"`
	MetadataPath string `yaml:"metadata_path"`
	// LibraryPath points at the onnxruntime shared library.
	LibraryPath   string `yaml:"library_path"`
	Normalization string `yaml:"normalization"` // centered, unit
}

type AttributionConfig struct {
	Steps     int `yaml:"steps"`
	BatchSize int `yaml:"batch_size"`
	TopK      int `yaml:"top_k"`
}

type OutputConfig struct {
	Dir    string `yaml:"dir"`
	DBPath string `yaml:"db_path"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
	// MaxUploadMB bounds multipart uploads.
	MaxUploadMB int `yaml:"max_upload_mb"`
}

type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Path:          filepath.Join("models", "model_ig.onnx"),
			MetadataPath:  filepath.Join("models", "model_metadata.json"),
			Normalization: string(preprocess.Centered),
		},
		Attribution: AttributionConfig{
			Steps:     50,
			BatchSize: 1,
			TopK:      5,
		},
		Output: OutputConfig{
			Dir:    "attributions",
			DBPath: filepath.Join("attributions", "runs.db"),
		},
		Server: ServerConfig{
			Port:        8080,
			MaxUploadMB: 10,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path (optional; a missing file keeps defaults), then .env, then
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Model.Path = getEnv("IG_MODEL_PATH", c.Model.Path)
	c.Model.MetadataPath = getEnv("IG_METADATA_PATH", c.Model.MetadataPath)
	c.Model.LibraryPath = getEnv("IG_ORT_LIBRARY", c.Model.LibraryPath)
	c.Model.Normalization = getEnv("IG_NORMALIZATION", c.Model.Normalization)
	c.Attribution.Steps = getEnvAsInt("IG_STEPS", c.Attribution.Steps)
	c.Attribution.BatchSize = getEnvAsInt("IG_BATCH_SIZE", c.Attribution.BatchSize)
	c.Attribution.TopK = getEnvAsInt("IG_TOP_K", c.Attribution.TopK)
	c.Output.Dir = getEnv("IG_OUTPUT_DIR", c.Output.Dir)
	c.Output.DBPath = getEnv("IG_DB_PATH", c.Output.DBPath)
	c.Server.Port = getEnvAsInt("PORT", c.Server.Port)
	c.Logging.Level = getEnv("IG_LOG_LEVEL", c.Logging.Level)
}

func (c *Config) Validate() error {
	if c.Attribution.Steps < 1 {
		return fmt.Errorf("config: attribution.steps must be at least 1, got %d", c.Attribution.Steps)
	}
	if c.Attribution.BatchSize < 1 {
		return fmt.Errorf("config: attribution.batch_size must be at least 1, got %d", c.Attribution.BatchSize)
	}
	if c.Attribution.TopK < 1 {
		return fmt.Errorf("config: attribution.top_k must be at least 1, got %d", c.Attribution.TopK)
	}
	if _, err := preprocess.ParseNormalization(c.Model.Normalization); err != nil {
		return err
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
