package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golobby/config/v3"
	"github.com/golobby/config/v3/pkg/feeder"
	"github.com/joho/godotenv"
	"github.com/lingomesh/lingomesh/pkg/utils"
	"go.yaml.in/yaml/v3"
)

var cfg *Config

// Config holds the application configuration
type Config struct {
	UserID      string `yaml:"user_id"`      // Local participant identity (auto-generated if not set)
	DisplayName string `yaml:"display_name"` // Name shown to other participants
	RoomID      string `yaml:"room_id"`      // Study room to join on startup

	SignalURL     string `yaml:"signal_url"`     // Relay endpoint for signaling and room membership
	SignalAPIKey  string `yaml:"signal_api_key"` // Bearer key for the relay
	SignalBackend string `yaml:"signal_backend"` // "relay", "redis" or "sqlite"
	RedisAddr     string `yaml:"redis_addr"`     // host:port, used when signal_backend is "redis"
	DisableTURN   bool   `yaml:"disable_turn"`   // skip TURN credential requests, STUN only

	DBPath     string   `yaml:"db_path"`
	ServerAddr string   `yaml:"server_addr"`
	LogLevel   string   `yaml:"log_level"`
	StunURLs   []string `yaml:"stun_urls"` // ICE servers for peer connections

	Version string `yaml:"-"`

	mu   sync.Mutex `yaml:"-"`
	file string     `yaml:"-"`
}

func (c *Config) GetServerPort() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return strings.Split(c.ServerAddr, ":")[1]
}

// Save writes the current configuration back to the file
func (c *Config) Save() error {
	if c.file == "" {
		return fmt.Errorf("config file path is not set")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	err = os.WriteFile(c.file, data, 0o644)
	if err != nil {
		return err
	}

	return nil
}

// EnsureDefaultConfig sets default values for missing config fields
func (c *Config) EnsureDefaultConfig(save bool) error {
	changed := false
	c.mu.Lock()

	// Env overrides
	if signalURL := utils.Env("LINGOMESH_SIGNAL_URL", ""); signalURL != "" {
		c.SignalURL = signalURL
	}

	if apiKey := utils.Env("LINGOMESH_SIGNAL_API_KEY", ""); apiKey != "" {
		c.SignalAPIKey = apiKey
	}

	if redisAddr := utils.Env("LINGOMESH_REDIS_ADDR", ""); redisAddr != "" {
		c.RedisAddr = redisAddr
	}

	if roomID := utils.Env("LINGOMESH_ROOM_ID", ""); roomID != "" {
		c.RoomID = roomID
	}

	if logLevel := utils.Env("LINGOMESH_LOG_LEVEL", ""); logLevel != "" {
		c.LogLevel = logLevel
	}

	c.DisableTURN = utils.EnvBool("LINGOMESH_DISABLE_TURN", c.DisableTURN)

	// Create defaults
	if c.UserID == "" {
		userID, _ := utils.GenerateID()
		c.UserID = userID
		changed = true
	}

	if c.DisplayName == "" {
		c.DisplayName = c.UserID
		changed = true
	}

	if c.SignalBackend == "" {
		c.SignalBackend = "relay"
		changed = true
	}

	if c.DBPath == "" {
		dir := filepath.Dir(c.file)
		c.DBPath = dir + "/lingomesh.db"
		changed = true
	}

	if c.ServerAddr == "" {
		c.ServerAddr = ":3040"
		changed = true
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
		changed = true
	}

	if len(c.StunURLs) == 0 {
		c.StunURLs = []string{"stun:stun.l.google.com:19302"}
		changed = true
	}

	c.mu.Unlock()

	if changed && save {
		return c.Save()
	}
	return nil
}

// ConfigInstance returns the global config instance
func ConfigInstance() *Config {
	return cfg
}

// Load loads configuration from the specified file and environment variables
func Load(version, file, logLevel string) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg = &Config{
		Version: version,
		file:    file,
	}

	yamlFeeder := feeder.Yaml{Path: file}
	_ = config.New().AddFeeder(yamlFeeder).AddStruct(cfg).Feed()

	if err := cfg.EnsureDefaultConfig(true); err != nil {
		return nil, err
	}

	// Override log level from command-line argument
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	return cfg, nil
}
