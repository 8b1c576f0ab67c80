package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	API        APIConfig        `yaml:"api"`
	Carelink   CarelinkConfig   `yaml:"carelink"`
	Poll       PollConfig       `yaml:"poll"`
	NATS       NATSConfig       `yaml:"nats"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Nightscout NightscoutConfig `yaml:"nightscout"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig represents server identity configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents REST API configuration
type APIConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// CarelinkConfig represents the vendor account configuration
type CarelinkConfig struct {
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	Country         string `yaml:"country"`
	PatientID       string `yaml:"patient_id"`
	Token           string `yaml:"token"`
	DefaultTimezone string `yaml:"default_timezone"`
}

// PollConfig represents the polling cycle configuration
type PollConfig struct {
	Interval       time.Duration `yaml:"interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// NATSConfig represents NATS publisher configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	SubjectPrefix     string        `yaml:"subject_prefix"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// MQTTConfig represents MQTT publisher configuration
type MQTTConfig struct {
	BrokerURL    string `yaml:"broker_url"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	TopicPattern string `yaml:"topic_pattern"`
	QoS          byte   `yaml:"qos"`
	TLS          bool   `yaml:"tls"`
}

// NightscoutConfig represents the optional Nightscout relay configuration
type NightscoutConfig struct {
	URL       string `yaml:"url"`
	APISecret string `yaml:"api_secret"`
	Enabled   bool   `yaml:"enabled"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CARELINK_USERNAME"); v != "" {
		c.Carelink.Username = v
	}
	if v := os.Getenv("CARELINK_PASSWORD"); v != "" {
		c.Carelink.Password = v
	}
	if v := os.Getenv("CARELINK_TOKEN"); v != "" {
		c.Carelink.Token = v
	}
	if v := os.Getenv("CARELINK_COUNTRY"); v != "" {
		c.Carelink.Country = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("NIGHTSCOUT_URL"); v != "" {
		c.Nightscout.URL = v
	}
	if v := os.Getenv("NIGHTSCOUT_SECRET"); v != "" {
		c.Nightscout.APISecret = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// setDefaults fills unset fields with working defaults
func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "carelink-gateway"
	}
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8096
	}
	if c.Poll.Interval == 0 {
		c.Poll.Interval = 60 * time.Second
	}
	if c.Poll.RequestTimeout == 0 {
		c.Poll.RequestTimeout = 30 * time.Second
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "carelink"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 5 * time.Second
	}
	if c.MQTT.TopicPattern == "" {
		c.MQTT.TopicPattern = "carelink/{username}/readings"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// validate checks that the account section is usable
func (c *Config) validate() error {
	if c.Carelink.Country == "" {
		return fmt.Errorf("carelink.country is required")
	}

	hasPassword := c.Carelink.Username != "" && c.Carelink.Password != ""
	hasToken := c.Carelink.Token != ""

	if !hasPassword && !hasToken {
		return fmt.Errorf("either carelink.username/password or carelink.token is required")
	}

	if c.Nightscout.Enabled && c.Nightscout.URL == "" {
		return fmt.Errorf("nightscout.url is required when the relay is enabled")
	}

	return nil
}
