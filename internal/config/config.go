// Package config loads the service's YAML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Feed sources
const (
	SourcePostgres = "postgres"
	SourceMySQL    = "mysql"
	SourceSQLite   = "sqlite"
	SourceNATS     = "nats"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Feed      FeedConfig      `yaml:"feed"`
	MySQL     MySQLConfig     `yaml:"mysql"`
	NATS      NATSConfig      `yaml:"nats"`
	Hub       HubConfig       `yaml:"hub"`
	Observer  ObserverConfig  `yaml:"observer"`
	Processor ProcessorConfig `yaml:"processor"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	DefaultLimit   int           `yaml:"default_limit"`
	MaxLimit       int           `yaml:"max_limit"`
	AllowedOrigins []string      `yaml:"allowed_origins"` // websocket origins, empty = same host only
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

type StoreConfig struct {
	Driver  string `yaml:"driver"` // postgres, mysql, sqlite
	DSN     string `yaml:"dsn"`
	Table   string `yaml:"table"`
	Migrate bool   `yaml:"migrate"`
}

type FeedConfig struct {
	Source       string        `yaml:"source"`  // postgres, mysql, sqlite, nats; defaults to the store driver
	Channel      string        `yaml:"channel"` // NOTIFY channel or sqlite outbox table
	Buffer       int           `yaml:"buffer"`
	ReconnectMin time.Duration `yaml:"reconnect_min"`
	ReconnectMax time.Duration `yaml:"reconnect_max"`
	PollInterval time.Duration `yaml:"poll_interval"` // sqlite outbox
	OutboxPrune  *bool         `yaml:"outbox_prune"`
}

// MySQLConfig is the binlog connection used when feed.source is mysql
type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	ServerID uint32 `yaml:"server_id"`
	Flavor   string `yaml:"flavor"` // mysql, mariadb
	Check    bool   `yaml:"check"`  // verify grants and binlog settings on startup
}

type NATSConfig struct {
	URL           string        `yaml:"url"`
	Subject       string        `yaml:"subject"`
	Publish       bool          `yaml:"publish"` // relay captured events to Subject
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

type HubConfig struct {
	SendBuffer   int           `yaml:"send_buffer"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
}

// ObserverConfig drives cmd/feedwatch
type ObserverConfig struct {
	URL            string        `yaml:"url"` // base URL of the service, e.g. http://localhost:3001
	PageSize       int           `yaml:"page_size"`
	LedgerCapacity int           `yaml:"ledger_capacity"`
	Timeout        time.Duration `yaml:"timeout"`
}

type ProcessorConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Script       string   `yaml:"script"`        // JavaScript transform, takes precedence
	DropStatuses []string `yaml:"drop_statuses"` // suppress events for records in these states
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// SetDefaults fills every unset field
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":3001"
	}
	if c.Server.DefaultLimit == 0 {
		c.Server.DefaultLimit = 10
	}
	if c.Server.MaxLimit == 0 {
		c.Server.MaxLimit = 100
	}
	if c.Server.ShutdownGrace == 0 {
		c.Server.ShutdownGrace = 10 * time.Second
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "postgres"
	}
	if c.Store.Table == "" {
		c.Store.Table = "projects"
	}
	if c.Feed.Source == "" {
		c.Feed.Source = c.Store.Driver
	}
	if c.Feed.Channel == "" {
		c.Feed.Channel = "project_changes"
	}
	if c.Feed.Buffer == 0 {
		c.Feed.Buffer = 256
	}
	if c.Feed.ReconnectMin == 0 {
		c.Feed.ReconnectMin = 500 * time.Millisecond
	}
	if c.Feed.ReconnectMax == 0 {
		c.Feed.ReconnectMax = 30 * time.Second
	}
	if c.Feed.PollInterval == 0 {
		c.Feed.PollInterval = 250 * time.Millisecond
	}
	if c.Feed.OutboxPrune == nil {
		prune := true
		c.Feed.OutboxPrune = &prune
	}
	if c.MySQL.Port == 0 {
		c.MySQL.Port = 3306
	}
	if c.MySQL.Flavor == "" {
		c.MySQL.Flavor = "mysql"
	}
	if c.MySQL.ServerID == 0 {
		c.MySQL.ServerID = 1001
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "projects.changed"
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}
	if c.NATS.MaxReconnect == 0 {
		c.NATS.MaxReconnect = -1
	}
	if c.Hub.SendBuffer == 0 {
		c.Hub.SendBuffer = 64
	}
	if c.Hub.WriteTimeout == 0 {
		c.Hub.WriteTimeout = 10 * time.Second
	}
	if c.Hub.PingInterval == 0 {
		c.Hub.PingInterval = 30 * time.Second
	}
	if c.Hub.PongTimeout == 0 {
		c.Hub.PongTimeout = 60 * time.Second
	}
	if c.Observer.URL == "" {
		host := c.Server.Addr
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		c.Observer.URL = "http://" + host
	}
	if c.Observer.PageSize == 0 {
		c.Observer.PageSize = c.Server.DefaultLimit
	}
	if c.Observer.LedgerCapacity == 0 {
		c.Observer.LedgerCapacity = 50
	}
	if c.Observer.Timeout == 0 {
		c.Observer.Timeout = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks combinations LoadConfig cannot default away
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported store.driver %q", c.Store.Driver)
	}
	switch c.Feed.Source {
	case SourcePostgres, SourceMySQL, SourceSQLite:
		if c.Feed.Source != c.Store.Driver {
			return fmt.Errorf("feed.source %q requires store.driver %q", c.Feed.Source, c.Feed.Source)
		}
	case SourceNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("feed.source nats requires nats.url")
		}
		if c.NATS.Publish {
			return fmt.Errorf("nats.publish cannot be combined with feed.source nats")
		}
	default:
		return fmt.Errorf("unsupported feed.source %q", c.Feed.Source)
	}
	if c.NATS.Publish && c.NATS.URL == "" {
		return fmt.Errorf("nats.publish requires nats.url")
	}
	if c.Feed.Source == SourceMySQL && c.MySQL.Host == "" {
		return fmt.Errorf("feed.source mysql requires mysql.host")
	}
	if c.Feed.ReconnectMin > c.Feed.ReconnectMax {
		return fmt.Errorf("feed.reconnect_min %s exceeds feed.reconnect_max %s", c.Feed.ReconnectMin, c.Feed.ReconnectMax)
	}
	if c.Processor.Enabled {
		if c.Processor.Script != "" {
			if _, err := os.Stat(c.Processor.Script); os.IsNotExist(err) {
				return fmt.Errorf("JavaScript script file not found: %s", c.Processor.Script)
			}
		}
		if c.Processor.Script != "" && len(c.Processor.DropStatuses) > 0 {
			return fmt.Errorf("cannot specify both 'script' and 'drop_statuses' - script takes precedence")
		}
	}
	return nil
}
