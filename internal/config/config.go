package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "COURIER"

type Config struct {
	ListenAddr    string        `mapstructure:"listen_addr" validate:"required"`
	Store         string        `mapstructure:"store" validate:"oneof=postgres memory"`
	DBURL         string        `mapstructure:"db_url" validate:"required_if=Store postgres"`
	TLSCertPath   string        `mapstructure:"tls_cert"`
	TLSKeyPath    string        `mapstructure:"tls_key"`
	AdminToken    string        `mapstructure:"admin_token"`
	TokenSecret   []byte        `mapstructure:"-"`
	TokenTTL      time.Duration `mapstructure:"token_ttl" validate:"gt=0"`
	SendBuffer    int           `mapstructure:"send_buffer" validate:"min=1"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	InboundRPS    float64       `mapstructure:"inbound_rps" validate:"gt=0"`
	InboundBurst  int           `mapstructure:"inbound_burst" validate:"min=1"`
	MaxFrameBytes int64         `mapstructure:"max_frame_bytes" validate:"min=1024"`
	LogLevel      string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat     string        `mapstructure:"log_format" validate:"oneof=json text"`
}

func defaults() map[string]any {
	return map[string]any{
		"listen_addr":     ":8080",
		"store":           "postgres",
		"db_url":          "",
		"tls_cert":        "",
		"tls_key":         "",
		"admin_token":     "",
		"token_secret":    "",
		"token_ttl":       24 * time.Hour,
		"send_buffer":     64,
		"write_timeout":   5 * time.Second,
		"inbound_rps":     20.0,
		"inbound_burst":   40,
		"max_frame_bytes": int64(1 << 20),
		"log_level":       "info",
		"log_format":      "json",
	}
}

// LoadFromEnv reads COURIER_* environment variables on top of defaults. When
// COURIER_CONFIG names a yaml file it is read first and env still wins.
func LoadFromEnv() (Config, error) {
	v := viper.New()
	for key, value := range defaults() {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv(envPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))

	if secret := strings.TrimSpace(v.GetString("token_secret")); secret != "" {
		key, err := base64.StdEncoding.DecodeString(secret)
		if err != nil {
			return Config{}, errors.New("token secret must be base64")
		}
		cfg.TokenSecret = key
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if len(c.TokenSecret) != 32 {
		return errors.New("token secret must be 32 bytes (base64-encoded)")
	}
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		return errors.New("both tls cert and key are required when enabling tls")
	}
	return nil
}
