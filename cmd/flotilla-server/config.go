package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flotilla-dev/flotilla/internal/api/http"
	"github.com/flotilla-dev/flotilla/internal/db"
	"github.com/flotilla-dev/flotilla/internal/settings"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log       LogConfig
	Http      http.Config
	Database  db.Config
	Agent     settings.Config
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	ServerID  string          `mapstructure:"server_id"`
}

type RateLimitConfig struct {
	MaxAttempts      int `mapstructure:"max_attempts"`
	WindowSeconds    int `mapstructure:"window_seconds"`
	BaseBlockSeconds int `mapstructure:"base_block_seconds"`
	MaxBlockSeconds  int `mapstructure:"max_block_seconds"`
}

var config Config

func InitConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/flotilla-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("database.url", "DATABASE_URL")
	_ = viper.BindEnv("http.jwt_secret", "JWT_SECRET")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)

	// Pretty print config as JSON (only at DEBUG level)
	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
