package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

const (
	defaultLogLevel = "info"

	minCheckIntervalMillis = 1
)

var clientNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{2,32}$`)

var logLevels = map[string]bool{
	"error": true,
	"warn":  true,
	"info":  true,
	"debug": true,
	"trace": true,
}

// MySQLConfig holds the database driver options.
type MySQLConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// DSN renders the driver connection string.
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", c.User, c.Password, c.Host, c.Port, c.Database)
}

// MQTTConfig holds the bus client options. CA, Cert and Key are file paths in
// the configuration file; Load replaces them with the file contents in
// CAPEM, CertPEM and KeyPEM.
type MQTTConfig struct {
	BrokerURL string `mapstructure:"brokerUrl"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	CA        string `mapstructure:"ca"`
	Cert      string `mapstructure:"cert"`
	Key       string `mapstructure:"key"`

	CAPEM   []byte `mapstructure:"-"`
	CertPEM []byte `mapstructure:"-"`
	KeyPEM  []byte `mapstructure:"-"`
}

// AppConfig captures the full runtime configuration of one node.
type AppConfig struct {
	ClientName           string      `mapstructure:"clientName"`
	RemoteClients        []string    `mapstructure:"remoteClients"`
	SyncTables           []string    `mapstructure:"syncTables"`
	ReceiveTables        []string    `mapstructure:"receiveTables"`
	CheckInterval        int         `mapstructure:"checkInterval"`
	QueueDirectory       string      `mapstructure:"queueDirectory"`
	TransformerDirectory string      `mapstructure:"transformerDirectory"`
	LoggingLevel         string      `mapstructure:"loggingLevel"`
	HTTPAddress          string      `mapstructure:"httpAddress"`
	MySQL                MySQLConfig `mapstructure:"mysqlConfig"`
	MQTT                 MQTTConfig  `mapstructure:"mqttConfig"`
}

// BidirectionalTables returns the intersection of the sync and receive sets,
// the tables that need echo suppression.
func (c AppConfig) BidirectionalTables() []string {
	receive := make(map[string]bool, len(c.ReceiveTables))
	for _, table := range c.ReceiveTables {
		receive[table] = true
	}
	var both []string
	for _, table := range c.SyncTables {
		if receive[table] {
			both = append(both, table)
		}
	}
	return both
}

// Load reads and validates the JSON configuration file at path, creates the
// queue and transformer directories if absent, and resolves TLS file paths in
// mqttConfig to their byte contents.
func Load(path string) (AppConfig, error) {
	configViper := viper.New()
	configViper.SetConfigFile(path)
	configViper.SetConfigType("json")
	if err := configViper.ReadInConfig(); err != nil {
		return AppConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := AppConfig{LoggingLevel: defaultLogLevel}
	if err := configViper.Unmarshal(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	if err := os.MkdirAll(cfg.QueueDirectory, 0o755); err != nil {
		return AppConfig{}, fmt.Errorf("create queue directory: %w", err)
	}
	if cfg.TransformerDirectory != "" {
		if err := os.MkdirAll(cfg.TransformerDirectory, 0o755); err != nil {
			return AppConfig{}, fmt.Errorf("create transformer directory: %w", err)
		}
	}

	if err := cfg.MQTT.loadTLSMaterial(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if !clientNamePattern.MatchString(c.ClientName) {
		return fmt.Errorf("clientName must be 2-32 characters of [A-Za-z0-9_-]")
	}
	if c.RemoteClients == nil {
		return fmt.Errorf("remoteClients is required")
	}
	for _, peer := range c.RemoteClients {
		if !clientNamePattern.MatchString(peer) {
			return fmt.Errorf("remoteClients entry %q must be 2-32 characters of [A-Za-z0-9_-]", peer)
		}
		if peer == c.ClientName {
			return fmt.Errorf("remoteClients must not contain this node's clientName")
		}
	}
	if c.SyncTables == nil {
		return fmt.Errorf("syncTables is required")
	}
	if c.ReceiveTables == nil {
		return fmt.Errorf("receiveTables is required")
	}
	if c.CheckInterval < minCheckIntervalMillis {
		return fmt.Errorf("checkInterval must be at least %d ms", minCheckIntervalMillis)
	}
	if strings.TrimSpace(c.QueueDirectory) == "" {
		return fmt.Errorf("queueDirectory is required")
	}
	if !logLevels[c.LoggingLevel] {
		return fmt.Errorf("loggingLevel must be one of error, warn, info, debug, trace")
	}
	if strings.TrimSpace(c.MQTT.BrokerURL) == "" {
		return fmt.Errorf("mqttConfig.brokerUrl is required")
	}
	if strings.TrimSpace(c.MySQL.Host) == "" {
		return fmt.Errorf("mysqlConfig.host is required")
	}
	if strings.TrimSpace(c.MySQL.Database) == "" {
		return fmt.Errorf("mysqlConfig.database is required")
	}
	return nil
}

func (c *MQTTConfig) loadTLSMaterial() error {
	load := func(name, path string, into *[]byte) error {
		if path == "" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("mqttConfig.%s: %w", name, err)
		}
		*into = data
		return nil
	}
	if err := load("ca", c.CA, &c.CAPEM); err != nil {
		return err
	}
	if err := load("cert", c.Cert, &c.CertPEM); err != nil {
		return err
	}
	return load("key", c.Key, &c.KeyPEM)
}
