package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds settings shared by the relay server and the terminal client.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Mongo    MongoConfig    `yaml:"mongo"`
	Redis    RedisConfig    `yaml:"redis"`
	Client   ClientConfig   `yaml:"client"`
	WebRTC   WebRTCConfig   `yaml:"webrtc"`
	KeyStore KeyStoreConfig `yaml:"key_store"`
	Logger   LoggerConfig   `yaml:"logger"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	JWTSecret      string        `yaml:"jwt_secret"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ClientConfig points the terminal client at a relay server.
type ClientConfig struct {
	ServerHost string `yaml:"server_host"`
	Secure     bool   `yaml:"secure"`
}

type WebRTCConfig struct {
	STUNServers []string      `yaml:"stun_servers"`
	RingTimeout time.Duration `yaml:"ring_timeout"`
}

type KeyStoreConfig struct {
	Path string `yaml:"path"`
}

type LoggerConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	// File keeps client logs off the terminal UI.
	File string `yaml:"file"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           "localhost:9090",
			JWTSecret:      "change-me",
			TokenTTL:       24 * time.Hour,
			AllowedOrigins: []string{"*"},
		},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "e2e_call",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Client: ClientConfig{
			ServerHost: "localhost:9090",
		},
		WebRTC: WebRTCConfig{
			STUNServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
		},
		KeyStore: KeyStoreConfig{
			Path: "keys.db",
		},
		Logger: LoggerConfig{
			Level: "info",
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	if c.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret cannot be empty")
	}
	if c.WebRTC.RingTimeout < 0 {
		return fmt.Errorf("webrtc.ring_timeout cannot be negative")
	}
	return nil
}
