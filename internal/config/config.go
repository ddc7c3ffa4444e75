// Package config loads epubtran settings from defaults, an optional config
// file, .env.local and EPUBTRAN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "EPUBTRAN"

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Backend     string            `mapstructure:"backend"`
	Ollama      OllamaConfig      `mapstructure:"ollama"`
	Google      GoogleConfig      `mapstructure:"google"`
	OpenRouter  OpenRouterConfig  `mapstructure:"openrouter"`
	Translation TranslationConfig `mapstructure:"translation"`
	DB          DBConfig          `mapstructure:"db"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	Port               int    `mapstructure:"port"`
	GinMode            string `mapstructure:"gin_mode"`
	CORSAllowedOrigins string `mapstructure:"cors_allowed_origins"`
	MaxUploadBytes     int64  `mapstructure:"max_upload_bytes"`
}

// AllowedOrigins splits the comma-separated origin list.
func (s ServerConfig) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(s.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

type StorageConfig struct {
	UploadDir string `mapstructure:"upload_dir"`
	OutputDir string `mapstructure:"output_dir"`
}

type OllamaConfig struct {
	URL         string        `mapstructure:"url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Temperature float64       `mapstructure:"temperature"`
	TopP        float64       `mapstructure:"top_p"`
}

type GoogleConfig struct {
	Credentials string `mapstructure:"credentials"`
	Project     string `mapstructure:"project"`
}

type OpenRouterConfig struct {
	APIKey string   `mapstructure:"api_key"`
	URL    string   `mapstructure:"url"`
	Models []string `mapstructure:"models"`
}

type TranslationConfig struct {
	MaxChunkChars  int           `mapstructure:"max_chunk_chars"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffUnit    time.Duration `mapstructure:"backoff_unit"`
	ContextWords   int           `mapstructure:"context_words"`
	DetectLanguage bool          `mapstructure:"detect_language"`
	ValidateOutput bool          `mapstructure:"validate_output"`
}

type DBConfig struct {
	Path     string `mapstructure:"path"`
	Disabled bool   `mapstructure:"disabled"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var backends = map[string]bool{
	"ollama":     true,
	"google":     true,
	"openrouter": true,
}

// SetDefaults registers every key with its default so that environment
// variables bind even when no config file mentions the key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.gin_mode", "debug")
	v.SetDefault("server.cors_allowed_origins", "http://localhost:5173,http://localhost:4173")
	v.SetDefault("server.max_upload_bytes", int64(100<<20))

	v.SetDefault("storage.upload_dir", "./uploads")
	v.SetDefault("storage.output_dir", "./outputs")

	v.SetDefault("backend", "ollama")
	v.SetDefault("ollama.url", "http://localhost:11434")
	v.SetDefault("ollama.timeout", 300*time.Second)
	v.SetDefault("ollama.temperature", 0.3)
	v.SetDefault("ollama.top_p", 0.9)
	v.SetDefault("google.credentials", "")
	v.SetDefault("google.project", "")
	v.SetDefault("openrouter.api_key", "")
	v.SetDefault("openrouter.url", "https://openrouter.ai/api/v1")
	v.SetDefault("openrouter.models", []string{})

	v.SetDefault("translation.max_chunk_chars", 2000)
	v.SetDefault("translation.max_attempts", 3)
	v.SetDefault("translation.backoff_unit", time.Second)
	v.SetDefault("translation.context_words", 0)
	v.SetDefault("translation.detect_language", true)
	v.SetDefault("translation.validate_output", false)

	v.SetDefault("db.path", "./data/epubtran.db")
	v.SetDefault("db.disabled", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// NewViper returns a viper instance with defaults and environment binding.
// When configFile is non-empty it is read; a missing file is an error.
func NewViper(configFile string) (*viper.Viper, error) {
	loadEnvFile()

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
		return v, nil
	}

	v.SetConfigName("epubtran")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "epubtran"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load is NewViper followed by FromViper.
func Load(configFile string) (*Config, error) {
	v, err := NewViper(configFile)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// loadEnvFile reads .env.local from the working directory or its parent.
// Existing environment variables win.
func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

func (c *Config) Validate() error {
	var errs []error

	if c.Translation.MaxChunkChars <= 0 {
		errs = append(errs, fmt.Errorf("translation.max_chunk_chars must be positive, got %d", c.Translation.MaxChunkChars))
	}
	if c.Translation.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("translation.max_attempts must be positive, got %d", c.Translation.MaxAttempts))
	}
	if c.Translation.BackoffUnit < 0 {
		errs = append(errs, fmt.Errorf("translation.backoff_unit must not be negative, got %s", c.Translation.BackoffUnit))
	}
	if !backends[c.Backend] {
		errs = append(errs, fmt.Errorf("backend must be one of ollama, google, openrouter, got %q", c.Backend))
	}
	if c.Ollama.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("ollama.timeout must be positive, got %s", c.Ollama.Timeout))
	}
	if strings.TrimSpace(c.Storage.UploadDir) == "" {
		errs = append(errs, errors.New("storage.upload_dir must not be empty"))
	}
	if strings.TrimSpace(c.Storage.OutputDir) == "" {
		errs = append(errs, errors.New("storage.output_dir must not be empty"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_bytes must be positive, got %d", c.Server.MaxUploadBytes))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
