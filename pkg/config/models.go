package config

import "time"

type Config struct {
	LogLevel  string `mapstructure:"logLevel"`
	Server    ServerConfig
	Redis     RedisConfig
	Transport TransportConfig
	Registry  RegistryConfig
	Presence  PresenceConfig
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Sweep     SweepConfig
}

type ServerConfig struct {
	Address         string
	NodeID          string `mapstructure:"nodeId"`
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
	AutoJoinLimit   int                   `mapstructure:"autoJoinLimit"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int           `mapstructure:"db"`
	OpTimeout time.Duration `mapstructure:"opTimeout"`
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

type RegistryConfig struct {
	// PersistTTL bounds how long mirrored records survive in the shared
	// store if a node dies without cleaning up after itself.
	PersistTTL          time.Duration `mapstructure:"persistTTL"`
	InactivityThreshold time.Duration `mapstructure:"inactivityThreshold"`
}

type PresenceConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type RateLimitConfig struct {
	Default   PolicyConfig
	Resources map[string]PolicyConfig `mapstructure:"resources"`
}

type PolicyConfig struct {
	Limit      int
	Window     time.Duration
	BurstLimit int  `mapstructure:"burstLimit"`
	StrictMode bool `mapstructure:"strictMode"`
}

type SweepConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}
