package main

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the process configuration, loaded from an optional YAML file
// with environment-variable overrides.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
	Room struct {
		DefaultTimerSeconds int `yaml:"default_timer_seconds"`
	} `yaml:"room"`
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Port = "8080"
	cfg.Log.Level = "info"
	cfg.Room.DefaultTimerSeconds = 300
	return cfg
}

func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Room.DefaultTimerSeconds = getEnvAsInt("ROOM_DEFAULT_TIMER_SECONDS", cfg.Room.DefaultTimerSeconds)

	return cfg, nil
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
