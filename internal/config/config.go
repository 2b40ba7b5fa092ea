package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

const (
	DefaultMinimumUnusedDerivations = 100
	DefaultSubscribeBatchSize       = 100
	DefaultRateLimitFactor          = 0.6
	DefaultBaseMessageRate          = 1000
	DefaultOutboundBuffer           = 1024
	DefaultMaxConnections           = 64
	DefaultPuzzleStateLimit         = 30000
	DefaultDialAttempts             = 5
	DefaultAddressPrefix            = "xch"
)

// Config holds the configuration settings for the application.
type Config struct {
	Server   *ServerConfig   `yaml:"server"`
	Wallet   *WalletConfig   `yaml:"wallet"`
	LogLevel string          `yaml:"log_level"`
	BadgerDB *BadgerDBConfig `yaml:"badger_db"`
	DB       *DBConfig       `yaml:"db"`
}

// ServerConfig holds the settings of the simulated peer.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	GenesisChallenge string  `yaml:"genesis_challenge"` // hex, derived from "genesis" when empty
	RateLimitFactor  float64 `yaml:"rate_limit_factor"`
	BaseMessageRate  float64 `yaml:"base_message_rate"` // outbound messages per second before the factor
	OutboundBuffer   int     `yaml:"outbound_buffer"`   // pending updates per connection
	MaxConnections   int     `yaml:"max_connections"`
	PuzzleStateLimit int     `yaml:"puzzle_state_limit"`
	AddressPrefix    string  `yaml:"address_prefix"`
}

// WalletConfig holds the settings of a syncing wallet.
type WalletConfig struct {
	PeerURL                  string  `yaml:"peer_url"`
	ExtendedPublicKey        string  `yaml:"xpub"`
	Seed                     string  `yaml:"seed"` // hex, used when xpub is empty
	MinimumUnusedDerivations uint32  `yaml:"minimum_unused_derivations"`
	SubscribeBatchSize       int     `yaml:"subscribe_batch_size"`
	RateLimitFactor          float64 `yaml:"rate_limit_factor"`
	BaseMessageRate          float64 `yaml:"base_message_rate"`
	DialAttempts             uint    `yaml:"dial_attempts"`
	AddressPrefix            string  `yaml:"address_prefix"`
}

// BadgerDBConfig holds the configuration settings for BadgerDB.
type BadgerDBConfig struct {
	Directory      string `yaml:"directory"`
	InMemory       bool   `yaml:"in_memory"`
	BlockCacheSize int64  `yaml:"block_cache_size"`
	MemTableSize   int64  `yaml:"mem_table_size"`
}

type DBConfig struct {
	Name   string `yaml:"name"`
	Dir    string `yaml:"dir"`
	DBType string `yaml:"db_type"` // badger, or any cosmos-db backend: goleveldb, memdb, pebbledb
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(config); err != nil {
		return nil, err
	}

	config.SetDefaults()
	return config, nil
}

// SetDefaults fills every unset knob.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Server != nil {
		c.Server.SetDefaults()
	}
	if c.Wallet != nil {
		c.Wallet.SetDefaults()
	}
	if c.DB == nil {
		c.DB = &DBConfig{}
	}
	if c.DB.Name == "" {
		c.DB.Name = "wallet"
	}
	if c.DB.DBType == "" {
		c.DB.DBType = "badger"
	}
	if c.BadgerDB == nil {
		c.BadgerDB = &BadgerDBConfig{Directory: c.DB.Dir}
	}
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.RateLimitFactor <= 0 {
		c.RateLimitFactor = DefaultRateLimitFactor
	}
	if c.BaseMessageRate <= 0 {
		c.BaseMessageRate = DefaultBaseMessageRate
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = DefaultOutboundBuffer
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.PuzzleStateLimit <= 0 {
		c.PuzzleStateLimit = DefaultPuzzleStateLimit
	}
	if c.AddressPrefix == "" {
		c.AddressPrefix = DefaultAddressPrefix
	}
}

func (c *WalletConfig) SetDefaults() {
	if c.MinimumUnusedDerivations == 0 {
		c.MinimumUnusedDerivations = DefaultMinimumUnusedDerivations
	}
	if c.SubscribeBatchSize <= 0 {
		c.SubscribeBatchSize = DefaultSubscribeBatchSize
	}
	if c.RateLimitFactor <= 0 {
		c.RateLimitFactor = DefaultRateLimitFactor
	}
	if c.BaseMessageRate <= 0 {
		c.BaseMessageRate = DefaultBaseMessageRate
	}
	if c.DialAttempts == 0 {
		c.DialAttempts = DefaultDialAttempts
	}
	if c.AddressPrefix == "" {
		c.AddressPrefix = DefaultAddressPrefix
	}
}
