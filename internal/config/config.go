package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no --config flag is given. A missing file is not an error.
const DefaultPath = "config.yaml"

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Model      ModelConfig      `yaml:"model"`
	Preprocess PreprocessConfig `yaml:"preprocess"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Port             int           `yaml:"port"`
	MaxUploadBytes   int64         `yaml:"max_upload_bytes"`
	InferenceTimeout time.Duration `yaml:"inference_timeout"`
	AllowedOrigins   []string      `yaml:"allowed_origins"`
	// DecodeErrorsAsClientErrors reports undecodable uploads as 400 instead of 500.
	DecodeErrorsAsClientErrors bool `yaml:"decode_errors_as_client_errors"`
}

type ModelConfig struct {
	Dir           string        `yaml:"dir"`
	Path          string        `yaml:"path"`
	MetadataPath  string        `yaml:"metadata_path"`
	URL           string        `yaml:"url"`
	MirrorURL     string        `yaml:"mirror_url"`
	ArchiveMember string        `yaml:"archive_member"`
	FetchCommand  []string      `yaml:"fetch_command"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	RuntimeLib    string        `yaml:"runtime_lib"`
	Labels        []string      `yaml:"labels"`
}

type PreprocessConfig struct {
	TargetSize int `yaml:"target_size"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	DefaultModelFile    = "xray_classifier.onnx"
	DefaultMetadataFile = "model_metadata.json"
)

// Default returns the configuration used when neither a file nor the
// environment says otherwise.
func Default() *Config {
	modelDir := "models"
	return &Config{
		Server: ServerConfig{
			Port:             8000,
			MaxUploadBytes:   10 << 20,
			InferenceTimeout: 30 * time.Second,
			AllowedOrigins:   []string{"http://localhost:3000"},
		},
		Model: ModelConfig{
			Dir:          modelDir,
			Path:         filepath.Join(modelDir, DefaultModelFile),
			MetadataPath: filepath.Join(modelDir, DefaultMetadataFile),
			FetchCommand: []string{"curl", "-fsSL", "-o", "{dest}", "{url}"},
			FetchTimeout: 5 * time.Minute,
			Labels:       []string{"NORMAL", "PNEUMONIA", "COVID-19", "TUBERCULOSIS"},
		},
		Preprocess: PreprocessConfig{
			TargetSize: 224,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order. A .env file in the working directory is loaded
// first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	// Paths left unset by the file and environment are derived from model.dir.
	cfg.Model.Path = ""
	cfg.Model.MetadataPath = ""

	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.Model.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnvAsInt("PORT", c.Server.Port)
	c.Server.MaxUploadBytes = getEnvAsInt64("MAX_UPLOAD_BYTES", c.Server.MaxUploadBytes)
	c.Server.InferenceTimeout = getEnvAsDuration("INFERENCE_TIMEOUT", c.Server.InferenceTimeout)
	c.Server.AllowedOrigins = getEnvAsList("ALLOWED_ORIGINS", c.Server.AllowedOrigins)
	c.Server.DecodeErrorsAsClientErrors = getEnvAsBool("DECODE_ERRORS_AS_CLIENT_ERRORS", c.Server.DecodeErrorsAsClientErrors)

	c.Model.Dir = getEnv("MODEL_DIR", c.Model.Dir)
	c.Model.Path = getEnv("MODEL_PATH", c.Model.Path)
	c.Model.MetadataPath = getEnv("METADATA_PATH", c.Model.MetadataPath)
	c.Model.URL = getEnv("MODEL_URL", c.Model.URL)
	c.Model.MirrorURL = getEnv("MODEL_MIRROR_URL", c.Model.MirrorURL)
	c.Model.RuntimeLib = getEnv("ONNX_LIB", c.Model.RuntimeLib)
	c.Model.Labels = getEnvAsList("MODEL_LABELS", c.Model.Labels)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

func (m *ModelConfig) resolvePaths() {
	if m.Path == "" {
		m.Path = filepath.Join(m.Dir, DefaultModelFile)
	}
	if m.MetadataPath == "" {
		m.MetadataPath = filepath.Join(m.Dir, DefaultMetadataFile)
	}
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("max_upload_bytes must be positive, got %d", c.Server.MaxUploadBytes)
	}
	if c.Server.InferenceTimeout < 0 {
		return fmt.Errorf("inference_timeout must not be negative, got %s", c.Server.InferenceTimeout)
	}
	if len(c.Model.Labels) == 0 {
		return fmt.Errorf("model labels must not be empty")
	}
	if c.Model.Path == "" {
		return fmt.Errorf("model path must not be empty")
	}
	if c.Preprocess.TargetSize <= 0 {
		return fmt.Errorf("preprocess target_size must be positive, got %d", c.Preprocess.TargetSize)
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

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
