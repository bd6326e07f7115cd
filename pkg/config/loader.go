package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	v.SetDefault("logLevel", "info")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.nodeId", "")
	v.SetDefault("server.auth.jwtSecret", "default-secret-key-change-me")
	v.SetDefault("server.connectionLimit.maxPerUser", 5)
	v.SetDefault("server.connectionLimit.mode", "reject")
	v.SetDefault("server.autoJoinLimit", 10)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.opTimeout", "2s")
	v.SetDefault("transport.readTimeout", "60s")
	v.SetDefault("registry.persistTTL", "1h")
	v.SetDefault("registry.inactivityThreshold", "5m")
	v.SetDefault("presence.ttl", "2m")
	v.SetDefault("ratelimit.default.limit", 60)
	v.SetDefault("ratelimit.default.window", "1m")
	v.SetDefault("ratelimit.resources.message.limit", 30)
	v.SetDefault("ratelimit.resources.message.window", "1m")
	v.SetDefault("ratelimit.resources.room_operations.limit", 20)
	v.SetDefault("ratelimit.resources.room_operations.window", "1m")
	v.SetDefault("ratelimit.resources.typing.limit", 10)
	v.SetDefault("ratelimit.resources.typing.window", "10s")
	v.SetDefault("sweep.interval", "30s")

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".") // look for config in the working directory

	// 3. Set up environment variable handling
	v.SetEnvPrefix("CHATCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Every node needs a distinct identity; derive one when not configured.
	if cfg.Server.NodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "node"
		}
		cfg.Server.NodeID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
		logger.Info("Generated node id", slog.String("nodeId", cfg.Server.NodeID))
	}

	return &cfg, nil
}
