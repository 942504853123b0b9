package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Gateway struct {
		URL     string        `mapstructure:"url"`
		APIKey  string        `mapstructure:"api_key"`
		Model   string        `mapstructure:"model"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"gateway"`
	Store struct {
		Path        string `mapstructure:"path"`
		PostgresDSN string `mapstructure:"postgres_dsn"`
	} `mapstructure:"store"`
	Batch struct {
		Concurrency   int           `mapstructure:"concurrency"`
		RatePerSecond float64       `mapstructure:"rate_per_second"`
		MaxRetries    int           `mapstructure:"max_retries"`
		RetryDeadline time.Duration `mapstructure:"retry_deadline"`
	} `mapstructure:"batch"`
	Generation struct {
		Temperature float64 `mapstructure:"temperature"`
		MaxTokens   int     `mapstructure:"max_tokens"`
	} `mapstructure:"generation"`
	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`
}

// LoadConfig loads the configuration from a file and the environment.
// A missing config file is not an error; defaults apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("personaforge")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.url", "")
	v.SetDefault("gateway.model", "gemini-3-flash-preview")
	v.SetDefault("gateway.timeout", 60*time.Second)
	v.SetDefault("store.path", "artifacts.db")
	v.SetDefault("batch.concurrency", 3)
	v.SetDefault("batch.rate_per_second", 2.0)
	v.SetDefault("batch.max_retries", 3)
	v.SetDefault("batch.retry_deadline", 2*time.Minute)
	v.SetDefault("generation.temperature", 0.75)
	v.SetDefault("generation.max_tokens", 20000)
	v.SetDefault("http.addr", ":8080")
}
