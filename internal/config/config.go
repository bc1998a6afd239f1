package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment variable the service reads.
const EnvPrefix = "CHATHUB_"

// DevAuthSecret is the default signing secret. It is only suitable for
// local development.
const DevAuthSecret = "chathub-dev-secret"

// Config is the complete service configuration.
type Config struct {
	Database  *DatabaseConfig  `json:"database" envPrefix:"DATABASE_"`
	HTTP      *HTTPConfig      `json:"http" envPrefix:"HTTP_"`
	WebSocket *WebSocketConfig `json:"websocket" envPrefix:"WEBSOCKET_"`
	Auth      *AuthConfig      `json:"auth" envPrefix:"AUTH_"`
	Presence  *PresenceConfig  `json:"presence" envPrefix:"PRESENCE_"`
	Dispatch  *DispatchConfig  `json:"dispatch" envPrefix:"DISPATCH_"`
	Redis     *RedisConfig     `json:"redis" envPrefix:"REDIS_"`
}

type DatabaseConfig struct {
	Path           string        `json:"path" env:"PATH"`
	MaxConnections int           `json:"max_connections" env:"MAX_CONNECTIONS"`
	WriteTimeout   time.Duration `json:"write_timeout" env:"WRITE_TIMEOUT"`
	RetryDelay     time.Duration `json:"retry_delay" env:"RETRY_DELAY"`
}

type HTTPConfig struct {
	Host            string        `json:"host" env:"HOST"`
	Port            int           `json:"port" env:"PORT"`
	ReadTimeout     time.Duration `json:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `json:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type WebSocketConfig struct {
	PingInterval    time.Duration `json:"ping_interval" env:"PING_INTERVAL"`
	ReadTimeout     time.Duration `json:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `json:"write_timeout" env:"WRITE_TIMEOUT"`
	BufferSize      int           `json:"buffer_size" env:"BUFFER_SIZE"`
	MaxMessageBytes int64         `json:"max_message_bytes" env:"MAX_MESSAGE_BYTES"`
}

type AuthConfig struct {
	Secret   string        `json:"secret" env:"SECRET"`
	Issuer   string        `json:"issuer" env:"ISSUER"`
	Audience string        `json:"audience" env:"AUDIENCE"`
	TokenTTL time.Duration `json:"token_ttl" env:"TOKEN_TTL"`
}

type PresenceConfig struct {
	// SelfEcho sends a user's own presence transitions to that user's
	// other connections.
	SelfEcho bool `json:"self_echo" env:"SELF_ECHO"`
}

type DispatchConfig struct {
	EchoToSender      bool `json:"echo_to_sender" env:"ECHO_TO_SENDER"`
	UserFallback      bool `json:"user_fallback" env:"USER_FALLBACK"`
	MessagesPerMinute int  `json:"messages_per_minute" env:"MESSAGES_PER_MINUTE"`
	HistoryLimit      int  `json:"history_limit" env:"HISTORY_LIMIT"`
}

// RedisConfig enables the presence mirror when Addr is set.
type RedisConfig struct {
	Addr      string        `json:"addr" env:"ADDR"`
	Password  string        `json:"password" env:"PASSWORD"`
	DB        int           `json:"db" env:"DB"`
	KeyPrefix string        `json:"key_prefix" env:"KEY_PREFIX"`
	Channel   string        `json:"channel" env:"CHANNEL"`
	TTL       time.Duration `json:"ttl" env:"TTL"`
}

// Enabled reports whether a Redis address is configured.
func (r *RedisConfig) Enabled() bool {
	return r != nil && r.Addr != ""
}

// DefaultConfig returns settings that run a single local node.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:           "./data/chathub.db",
			MaxConnections: 10,
			WriteTimeout:   30 * time.Second,
			RetryDelay:     5 * time.Second,
		},
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:    30 * time.Second,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			BufferSize:      100,
			MaxMessageBytes: 16 * 1024,
		},
		Auth: &AuthConfig{
			Secret:   DevAuthSecret,
			Issuer:   "chathub",
			TokenTTL: 24 * time.Hour,
		},
		Presence: &PresenceConfig{},
		Dispatch: &DispatchConfig{
			UserFallback:      true,
			MessagesPerMinute: 120,
			HistoryLimit:      50,
		},
		Redis: &RedisConfig{
			KeyPrefix: "chathub:presence:",
			Channel:   "chathub:presence",
			TTL:       2 * time.Minute,
		},
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database max connections must be positive")
	}
	if c.Database.WriteTimeout <= 0 {
		return fmt.Errorf("database write timeout must be positive")
	}
	if c.Database.RetryDelay < 0 {
		return fmt.Errorf("database retry delay cannot be negative")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	// Port 0 picks a free port.
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageBytes <= 0 {
		return fmt.Errorf("WebSocket max message size must be positive")
	}

	if c.Auth == nil || c.Auth.Secret == "" {
		return fmt.Errorf("auth secret is required (set %sAUTH_SECRET)", EnvPrefix)
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth token TTL must be positive")
	}

	if c.Presence == nil {
		return fmt.Errorf("presence configuration is required")
	}
	if c.Dispatch == nil {
		return fmt.Errorf("dispatch configuration is required")
	}
	if c.Dispatch.MessagesPerMinute < 0 {
		return fmt.Errorf("messages per minute cannot be negative")
	}
	if c.Dispatch.HistoryLimit <= 0 {
		return fmt.Errorf("history limit must be positive")
	}

	if c.Redis == nil {
		return fmt.Errorf("redis configuration is required")
	}
	if c.Redis.Enabled() && c.Redis.TTL <= 0 {
		return fmt.Errorf("redis presence TTL must be positive")
	}

	return nil
}

// LoadFromEnv overlays CHATHUB_* environment variables on the defaults.
func LoadFromEnv() (*Config, error) {
	config := DefaultConfig()
	if err := applyEnv(config); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnv(config *Config) error {
	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ConfigFile is the JSON form of Config; durations are strings like "30s".
type ConfigFile struct {
	Database  *DatabaseConfigFile  `json:"database"`
	HTTP      *HTTPConfigFile      `json:"http"`
	WebSocket *WebSocketConfigFile `json:"websocket"`
	Auth      *AuthConfigFile      `json:"auth"`
	Presence  *PresenceConfigFile  `json:"presence"`
	Dispatch  *DispatchConfigFile  `json:"dispatch"`
	Redis     *RedisConfigFile     `json:"redis"`
}

type DatabaseConfigFile struct {
	Path           string `json:"path"`
	MaxConnections int    `json:"max_connections"`
	WriteTimeout   string `json:"write_timeout"`
	RetryDelay     string `json:"retry_delay"`
}

type HTTPConfigFile struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	ReadTimeout     string `json:"read_timeout"`
	WriteTimeout    string `json:"write_timeout"`
	ShutdownTimeout string `json:"shutdown_timeout"`
}

type WebSocketConfigFile struct {
	PingInterval    string `json:"ping_interval"`
	ReadTimeout     string `json:"read_timeout"`
	WriteTimeout    string `json:"write_timeout"`
	BufferSize      int    `json:"buffer_size"`
	MaxMessageBytes int64  `json:"max_message_bytes"`
}

type AuthConfigFile struct {
	Secret   string `json:"secret"`
	Issuer   string `json:"issuer"`
	Audience string `json:"audience"`
	TokenTTL string `json:"token_ttl"`
}

type PresenceConfigFile struct {
	SelfEcho *bool `json:"self_echo"`
}

type DispatchConfigFile struct {
	EchoToSender      *bool `json:"echo_to_sender"`
	UserFallback      *bool `json:"user_fallback"`
	MessagesPerMinute *int  `json:"messages_per_minute"`
	HistoryLimit      int   `json:"history_limit"`
}

type RedisConfigFile struct {
	Addr      string `json:"addr"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
	Channel   string `json:"channel"`
	TTL       string `json:"ttl"`
}

// LoadFromFile overlays a JSON configuration file on the defaults.
func LoadFromFile(filepath string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, filepath); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}
	return config, nil
}

// applyFile overlays the fields present in filepath onto config.
func applyFile(config *Config, filepath string) error {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	p := durationParser{file: filepath}

	if f := file.Database; f != nil {
		setString(&config.Database.Path, f.Path)
		setInt(&config.Database.MaxConnections, f.MaxConnections)
		p.parse("database.write_timeout", f.WriteTimeout, &config.Database.WriteTimeout)
		p.parse("database.retry_delay", f.RetryDelay, &config.Database.RetryDelay)
	}

	if f := file.HTTP; f != nil {
		setString(&config.HTTP.Host, f.Host)
		setInt(&config.HTTP.Port, f.Port)
		p.parse("http.read_timeout", f.ReadTimeout, &config.HTTP.ReadTimeout)
		p.parse("http.write_timeout", f.WriteTimeout, &config.HTTP.WriteTimeout)
		p.parse("http.shutdown_timeout", f.ShutdownTimeout, &config.HTTP.ShutdownTimeout)
	}

	if f := file.WebSocket; f != nil {
		setInt(&config.WebSocket.BufferSize, f.BufferSize)
		if f.MaxMessageBytes > 0 {
			config.WebSocket.MaxMessageBytes = f.MaxMessageBytes
		}
		p.parse("websocket.ping_interval", f.PingInterval, &config.WebSocket.PingInterval)
		p.parse("websocket.read_timeout", f.ReadTimeout, &config.WebSocket.ReadTimeout)
		p.parse("websocket.write_timeout", f.WriteTimeout, &config.WebSocket.WriteTimeout)
	}

	if f := file.Auth; f != nil {
		setString(&config.Auth.Secret, f.Secret)
		setString(&config.Auth.Issuer, f.Issuer)
		setString(&config.Auth.Audience, f.Audience)
		p.parse("auth.token_ttl", f.TokenTTL, &config.Auth.TokenTTL)
	}

	if f := file.Presence; f != nil && f.SelfEcho != nil {
		config.Presence.SelfEcho = *f.SelfEcho
	}

	if f := file.Dispatch; f != nil {
		if f.EchoToSender != nil {
			config.Dispatch.EchoToSender = *f.EchoToSender
		}
		if f.UserFallback != nil {
			config.Dispatch.UserFallback = *f.UserFallback
		}
		if f.MessagesPerMinute != nil {
			config.Dispatch.MessagesPerMinute = *f.MessagesPerMinute
		}
		setInt(&config.Dispatch.HistoryLimit, f.HistoryLimit)
	}

	if f := file.Redis; f != nil {
		setString(&config.Redis.Addr, f.Addr)
		setString(&config.Redis.Password, f.Password)
		setInt(&config.Redis.DB, f.DB)
		setString(&config.Redis.KeyPrefix, f.KeyPrefix)
		setString(&config.Redis.Channel, f.Channel)
		p.parse("redis.ttl", f.TTL, &config.Redis.TTL)
	}

	return p.err
}

// LoadConfigWithPrecedence builds the configuration from defaults, then
// environment variables, then the optional JSON file; later sources win.
func LoadConfigWithPrecedence(filepath string) (*Config, error) {
	config := DefaultConfig()

	if err := applyEnv(config); err != nil {
		return nil, err
	}

	if filepath != "" {
		if err := applyFile(config, filepath); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// durationParser keeps the first parse error of a file.
type durationParser struct {
	file string
	err  error
}

func (p *durationParser) parse(field, value string, dst *time.Duration) {
	if value == "" || p.err != nil {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.err = fmt.Errorf("invalid %s %q in %s: %w", field, value, p.file, err)
		return
	}
	*dst = d
}

func setString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func setInt(dst *int, value int) {
	if value > 0 {
		*dst = value
	}
}
