package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"chimenet/internal/topic"
)

// Config holds the application configuration
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Broker   BrokerConfig   `yaml:"broker"`
	Cache    CacheConfig    `yaml:"cache"`
	Presence PresenceConfig `yaml:"presence"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServiceConfig describes the chime this process runs
type ServiceConfig struct {
	User        string   `yaml:"user"`
	ChimeID     string   `yaml:"chime_id"` // generated when empty
	ChimeName   string   `yaml:"chime_name"`
	Description string   `yaml:"description"`
	Notes       []string `yaml:"notes"`
	Chords      []string `yaml:"chords"`
	NodeID      string   `yaml:"node_id"` // defaults to {user}_{chime_id}
	Port        int      `yaml:"port"`    // control API port, 0 disables it
}

// BrokerConfig holds NATS configuration
type BrokerConfig struct {
	Embedded       bool   `yaml:"embedded"`
	ServerURL      string `yaml:"server_url"`
	ClientName     string `yaml:"client_name"`
	DataDir        string `yaml:"data_dir"`
	RetainedBucket string `yaml:"retained_bucket"`
	NodeType       string `yaml:"node_type"`    // "center" or "leaf"
	CenterURL      string `yaml:"center_url"`   // leaf only
	MQTTPort       int    `yaml:"mqtt_port"`    // embedded only, 0 disables the MQTT listener
	LeafPort       int    `yaml:"leaf_port"`    // embedded only
	ClusterPort    int    `yaml:"cluster_port"` // embedded only
	StartTimeout   string `yaml:"start_timeout"`
}

// CacheConfig holds Ristretto configuration for the ring de-duplication cache and peer directory
type CacheConfig struct {
	MaxCost     int64  `yaml:"max_cost"`     // Maximum memory cost in bytes
	NumCounters int64  `yaml:"num_counters"` // Number of counters for TinyLFU
	BufferItems int64  `yaml:"buffer_items"` // Buffer size for async operations
	Metrics     bool   `yaml:"metrics"`
	DedupTTL    string `yaml:"dedup_ttl"` // how long a seen ring id is remembered
	PeerTTL     string `yaml:"peer_ttl"`  // how long a peer status is kept without refresh
}

// PresenceConfig holds presence state machine configuration
type PresenceConfig struct {
	StatesFile       string `yaml:"states_file"`
	WatchStates      bool   `yaml:"watch_states"`
	MonitorInterval  string `yaml:"monitor_interval"`
	AnnounceInterval string `yaml:"announce_interval"`
	InitialMode      string `yaml:"initial_mode"`
	// WatchPeers lists users whose chime statuses are tracked in the peer directory
	WatchPeers []string `yaml:"watch_peers"`
}

// AuthConfig holds optional bearer authentication for the control API
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`
}

// Enabled reports whether the control API requires tokens
func (a AuthConfig) Enabled() bool { return a.JWTSecret != "" }

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			User:      "chime_user",
			ChimeName: "Virtual Chime",
			Notes:     []string{"C4", "E4", "G4"},
			Chords:    []string{"C", "Am", "F", "G"},
			Port:      8080,
		},
		Broker: BrokerConfig{
			Embedded:       true,
			ClientName:     "chimenet",
			DataDir:        "./chimenet-data",
			RetainedBucket: "chimenet-retained",
			NodeType:       "center",
			StartTimeout:   "30s",
		},
		Cache: CacheConfig{
			MaxCost:     1 << 20,
			NumCounters: 100000,
			BufferItems: 64,
			Metrics:     true,
			DedupTTL:    "10m",
			PeerTTL:     "15m",
		},
		Presence: PresenceConfig{
			MonitorInterval:  "30s",
			AnnounceInterval: "5m",
			InitialMode:      "Available",
		},
		Auth: AuthConfig{
			JWTIssuer: "chimenet",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration: defaults, then the YAML file named by CHIMENET_CONFIG
// if set, then environment variable overrides.
func Load() (*Config, error) {
	config := Default()

	if path := os.Getenv("CHIMENET_CONFIG"); path != "" {
		if err := config.loadFile(path); err != nil {
			return nil, err
		}
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Service.User = getEnvOrDefault("CHIME_USER", c.Service.User)
	c.Service.ChimeID = getEnvOrDefault("CHIME_ID", c.Service.ChimeID)
	c.Service.ChimeName = getEnvOrDefault("CHIME_NAME", c.Service.ChimeName)
	c.Service.Description = getEnvOrDefault("CHIME_DESCRIPTION", c.Service.Description)
	c.Service.Notes = getEnvListOrDefault("CHIME_NOTES", c.Service.Notes)
	c.Service.Chords = getEnvListOrDefault("CHIME_CHORDS", c.Service.Chords)
	c.Service.NodeID = getEnvOrDefault("NODE_ID", c.Service.NodeID)
	c.Service.Port = getEnvIntOrDefault("SERVICE_PORT", c.Service.Port)

	c.Broker.Embedded = getEnvBoolOrDefault("NATS_EMBEDDED", c.Broker.Embedded)
	c.Broker.ServerURL = getEnvOrDefault("NATS_SERVER_URL", c.Broker.ServerURL)
	c.Broker.ClientName = getEnvOrDefault("NATS_CLIENT_NAME", c.Broker.ClientName)
	c.Broker.DataDir = getEnvOrDefault("NATS_DATA_DIR", c.Broker.DataDir)
	c.Broker.RetainedBucket = getEnvOrDefault("NATS_RETAINED_BUCKET", c.Broker.RetainedBucket)
	c.Broker.NodeType = getEnvOrDefault("NATS_NODE_TYPE", c.Broker.NodeType)
	c.Broker.CenterURL = getEnvOrDefault("NATS_CENTER_URL", c.Broker.CenterURL)
	c.Broker.MQTTPort = getEnvIntOrDefault("NATS_MQTT_PORT", c.Broker.MQTTPort)
	c.Broker.LeafPort = getEnvIntOrDefault("NATS_LEAF_PORT", c.Broker.LeafPort)
	c.Broker.ClusterPort = getEnvIntOrDefault("NATS_CLUSTER_PORT", c.Broker.ClusterPort)
	c.Broker.StartTimeout = getEnvOrDefault("NATS_START_TIMEOUT", c.Broker.StartTimeout)

	c.Cache.MaxCost = getEnvInt64OrDefault("CACHE_MAX_COST", c.Cache.MaxCost)
	c.Cache.NumCounters = getEnvInt64OrDefault("CACHE_NUM_COUNTERS", c.Cache.NumCounters)
	c.Cache.BufferItems = getEnvInt64OrDefault("CACHE_BUFFER_ITEMS", c.Cache.BufferItems)
	c.Cache.Metrics = getEnvBoolOrDefault("CACHE_METRICS", c.Cache.Metrics)
	c.Cache.DedupTTL = getEnvOrDefault("CACHE_DEDUP_TTL", c.Cache.DedupTTL)
	c.Cache.PeerTTL = getEnvOrDefault("CACHE_PEER_TTL", c.Cache.PeerTTL)

	c.Presence.StatesFile = getEnvOrDefault("PRESENCE_STATES_FILE", c.Presence.StatesFile)
	c.Presence.WatchStates = getEnvBoolOrDefault("PRESENCE_WATCH_STATES", c.Presence.WatchStates)
	c.Presence.MonitorInterval = getEnvOrDefault("PRESENCE_MONITOR_INTERVAL", c.Presence.MonitorInterval)
	c.Presence.AnnounceInterval = getEnvOrDefault("PRESENCE_ANNOUNCE_INTERVAL", c.Presence.AnnounceInterval)
	c.Presence.InitialMode = getEnvOrDefault("PRESENCE_INITIAL_MODE", c.Presence.InitialMode)
	c.Presence.WatchPeers = getEnvListOrDefault("PRESENCE_WATCH_PEERS", c.Presence.WatchPeers)

	c.Auth.JWTSecret = getEnvOrDefault("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.JWTIssuer = getEnvOrDefault("JWT_ISSUER", c.Auth.JWTIssuer)

	c.Logging.Level = getEnvOrDefault("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnvOrDefault("LOG_FORMAT", c.Logging.Format)
}

// Validate checks required fields and duration syntax
func (c *Config) Validate() error {
	if c.Service.User == "" {
		return fmt.Errorf("service user is required")
	}
	if err := topic.ValidateSegment("service user", c.Service.User); err != nil {
		return err
	}
	if c.Service.ChimeID != "" {
		if err := topic.ValidateSegment("service chime_id", c.Service.ChimeID); err != nil {
			return err
		}
	}
	if !c.Broker.Embedded && c.Broker.ServerURL == "" {
		return fmt.Errorf("NATS_SERVER_URL is required when the embedded broker is disabled")
	}
	for _, u := range c.Presence.WatchPeers {
		if err := topic.ValidateSegment("watched peer", u); err != nil {
			return err
		}
	}
	if c.Broker.NodeType != "" && c.Broker.NodeType != "center" && c.Broker.NodeType != "leaf" {
		return fmt.Errorf("invalid broker node_type %q", c.Broker.NodeType)
	}
	if c.Broker.NodeType == "leaf" && c.Broker.CenterURL == "" {
		return fmt.Errorf("NATS_CENTER_URL is required for leaf nodes")
	}
	for name, value := range map[string]string{
		"cache.dedup_ttl":            c.Cache.DedupTTL,
		"cache.peer_ttl":             c.Cache.PeerTTL,
		"presence.monitor_interval":  c.Presence.MonitorInterval,
		"presence.announce_interval": c.Presence.AnnounceInterval,
		"broker.start_timeout":       c.Broker.StartTimeout,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

// GetDedupTTL returns the ring de-duplication TTL as duration
func (c *CacheConfig) GetDedupTTL() (time.Duration, error) {
	return time.ParseDuration(c.DedupTTL)
}

// GetPeerTTL returns the peer directory TTL as duration
func (c *CacheConfig) GetPeerTTL() (time.Duration, error) {
	return time.ParseDuration(c.PeerTTL)
}

// GetMonitorInterval returns the auto-state evaluation interval as duration
func (c *PresenceConfig) GetMonitorInterval() (time.Duration, error) {
	return time.ParseDuration(c.MonitorInterval)
}

// GetAnnounceInterval returns the mode announce interval as duration
func (c *PresenceConfig) GetAnnounceInterval() (time.Duration, error) {
	return time.ParseDuration(c.AnnounceInterval)
}

// GetStartTimeout returns the embedded broker start timeout as duration
func (c *BrokerConfig) GetStartTimeout() (time.Duration, error) {
	if c.StartTimeout == "" {
		return 0, nil
	}
	return time.ParseDuration(c.StartTimeout)
}

// Helper functions for environment variable parsing
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
