// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package config loads the adminsync YAML configuration and turns it into
// the option objects of the connection and the transport.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tiendc/go-deepcopy"
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/adminsync/pkg/connection"
	"github.com/united-manufacturing-hub/adminsync/pkg/constants"
	"github.com/united-manufacturing-hub/adminsync/pkg/env"
	"github.com/united-manufacturing-hub/adminsync/pkg/transport"
)

const (
	// DefaultConfigPath is the default path to the config file
	DefaultConfigPath = "/data/adminsync.yaml"
)

// Config is the root of the config file.
type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
	Logging    LoggingConfig    `yaml:"logging,omitempty"`
	Metrics    MetricsConfig    `yaml:"metrics,omitempty"`
	Sentry     SentryConfig     `yaml:"sentry,omitempty"`
}

// ConnectionConfig describes the server and how the client talks to it.
type ConnectionConfig struct {
	// URL of the server, http(s):// or ws(s)://
	URL  string `yaml:"url"`
	Role string `yaml:"role,omitempty"`
	// Name identifies this client towards the server
	Name string `yaml:"name,omitempty"`

	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	InsecureTLS bool   `yaml:"insecure_tls,omitempty"`

	CheckPermissions bool     `yaml:"check_permissions,omitempty"`
	LoadAllObjects   bool     `yaml:"load_all_objects,omitempty"`
	AutoSubscribes   []string `yaml:"auto_subscribes,omitempty"`

	BootstrapTimeout  time.Duration `yaml:"bootstrap_timeout,omitempty"`
	BootstrapAttempts int           `yaml:"bootstrap_attempts,omitempty"`
	InfoTimeout       time.Duration `yaml:"info_timeout,omitempty"`

	ReconnectMin      time.Duration `yaml:"reconnect_min,omitempty"`
	ReconnectMax      time.Duration `yaml:"reconnect_max,omitempty"`
	CompressThreshold int           `yaml:"compress_threshold,omitempty"`
}

type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

type MetricsConfig struct {
	// Port of the /metrics endpoint, 0 disables it
	Port int `yaml:"port,omitempty"`
}

type SentryConfig struct {
	DSN string `yaml:"dsn,omitempty"`
}

// Default returns the config used when no file is given.
func Default() Config {
	return Config{
		Connection: ConnectionConfig{
			Name:              "adminsync",
			Role:              string(connection.RoleWeb),
			BootstrapTimeout:  constants.DefaultBootstrapTimeout,
			BootstrapAttempts: constants.DefaultBootstrapAttempts,
			InfoTimeout:       constants.DefaultInfoTimeout,
		},
		Logging: LoggingConfig{Level: "INFO", Format: "CONSOLE"},
		Metrics: MetricsConfig{Port: constants.DefaultMetricsPort},
	}
}

// Load reads path on top of Default and applies the environment
// overrides, then overrides in order. An empty path skips the file.
func Load(path string, overrides ...Override) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := Parse(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	for _, o := range overrides {
		o(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Override adjusts a loaded config before it is validated.
type Override func(*Config)

// WithURL sets the server URL unless url is empty.
func WithURL(url string) Override {
	return func(c *Config) {
		if url != "" {
			c.Connection.URL = url
		}
	}
}

// WithRole sets the client role unless role is empty.
func WithRole(role string) Override {
	return func(c *Config) {
		if role != "" {
			c.Connection.Role = role
		}
	}
}

// Parse decodes data into cfg. Keys missing from data keep the values
// already in cfg; unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overrides the file with ADMINSYNC_* variables.
func (c *Config) applyEnv() error {
	var err error
	conn := &c.Connection

	if conn.URL, err = env.GetAsString("ADMINSYNC_URL", false, conn.URL); err != nil {
		return err
	}
	if conn.Role, err = env.GetAsString("ADMINSYNC_ROLE", false, conn.Role); err != nil {
		return err
	}
	if conn.Name, err = env.GetAsString("ADMINSYNC_NAME", false, conn.Name); err != nil {
		return err
	}
	if conn.Username, err = env.GetAsString("ADMINSYNC_USERNAME", false, conn.Username); err != nil {
		return err
	}
	if conn.Password, err = env.GetAsString("ADMINSYNC_PASSWORD", false, conn.Password); err != nil {
		return err
	}
	if conn.InsecureTLS, err = env.GetAsBool("ADMINSYNC_INSECURE_TLS", false, conn.InsecureTLS); err != nil {
		return err
	}
	if conn.AutoSubscribes, err = env.GetAsList("ADMINSYNC_AUTO_SUBSCRIBES", false, conn.AutoSubscribes); err != nil {
		return err
	}
	if conn.BootstrapTimeout, err = env.GetAsDuration("ADMINSYNC_BOOTSTRAP_TIMEOUT", false, conn.BootstrapTimeout); err != nil {
		return err
	}
	if conn.InfoTimeout, err = env.GetAsDuration("ADMINSYNC_INFO_TIMEOUT", false, conn.InfoTimeout); err != nil {
		return err
	}

	if c.Logging.Level, err = env.GetAsString("LOGGING_LEVEL", false, c.Logging.Level); err != nil {
		return err
	}
	if c.Logging.Format, err = env.GetAsString("LOGGING_FORMAT", false, c.Logging.Format); err != nil {
		return err
	}
	if c.Metrics.Port, err = env.GetAsInt("ADMINSYNC_METRICS_PORT", false, c.Metrics.Port); err != nil {
		return err
	}
	if c.Sentry.DSN, err = env.GetAsString("SENTRY_DSN", false, c.Sentry.DSN); err != nil {
		return err
	}
	return nil
}

// Validate checks the fields that have no usable default.
func (c Config) Validate() error {
	if c.Connection.URL == "" {
		return fmt.Errorf("connection.url is required")
	}
	if _, err := connection.ParseRole(c.Connection.Role); err != nil {
		return fmt.Errorf("connection.role: %w", err)
	}
	if c.Connection.BootstrapAttempts < 0 {
		return fmt.Errorf("connection.bootstrap_attempts must not be negative, got %d", c.Connection.BootstrapAttempts)
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port)
	}
	return nil
}

// Clone creates a deep copy of Config
func (c Config) Clone() Config {
	var clone Config
	_ = deepcopy.Copy(&clone, &c)
	return clone
}

// ConnectionOptions builds the options of connection.New. Callbacks,
// the watchdog and the logger are left for the caller.
func (c Config) ConnectionOptions() (connection.Options, error) {
	role, err := connection.ParseRole(c.Connection.Role)
	if err != nil {
		return connection.Options{}, err
	}
	return connection.Options{
		Name:              c.Connection.Name,
		Role:              role,
		CheckPermissions:  c.Connection.CheckPermissions,
		LoadAllObjects:    c.Connection.LoadAllObjects,
		AutoSubscribes:    append([]string(nil), c.Connection.AutoSubscribes...),
		BootstrapTimeout:  c.Connection.BootstrapTimeout,
		BootstrapAttempts: c.Connection.BootstrapAttempts,
		InfoTimeout:       c.Connection.InfoTimeout,
	}, nil
}

// TransportOptions builds the options of transport.NewWebsocket.
func (c Config) TransportOptions() transport.WebsocketOptions {
	return transport.WebsocketOptions{
		URL:               c.Connection.URL,
		Name:              c.Connection.Name,
		Username:          c.Connection.Username,
		Password:          c.Connection.Password,
		InsecureTLS:       c.Connection.InsecureTLS,
		ReconnectMin:      c.Connection.ReconnectMin,
		ReconnectMax:      c.Connection.ReconnectMax,
		CompressThreshold: c.Connection.CompressThreshold,
	}
}
