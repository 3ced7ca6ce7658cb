package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"
)

const defaultPath = "./config/config.yaml"

type HTTP struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	IdleTimeout    time.Duration `yaml:"idleTimeout"`
	AllowedOrigins []string      `yaml:"allowedOrigins"` // "*" allows any
}

type GRPC struct {
	Addr string `yaml:"addr"` // empty disables the admin server
}

type WS struct {
	PingInterval    time.Duration `yaml:"pingInterval"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	MaxMessageBytes int64         `yaml:"maxMessageBytes"`
	SendBuffer      int           `yaml:"sendBuffer"`
	EventsPerSecond float64       `yaml:"eventsPerSecond"`
	EventBurst      int           `yaml:"eventBurst"`
}

type Logging struct {
	Env       string `yaml:"env"`       // dev|stage|prod
	Service   string `yaml:"service"`   // match-service
	Version   string `yaml:"version"`   // v0.1.0
	Backend   string `yaml:"backend"`   // std|zap
	AddSource bool   `yaml:"addSource"` // false|true
	Debug     bool   `yaml:"debug"`     // false|true
}

type Config struct {
	HTTP       HTTP               `yaml:"http"`
	GRPC       GRPC               `yaml:"grpc"`
	WS         WS                 `yaml:"ws"`
	Logging    Logging            `yaml:"logging"`
	ICE        []iceServerConfig  `yaml:"iceServers"`
	ICEServers []webrtc.ICEServer `yaml:"-"`
}

// LoadConfig reads path, or CONFIG_PATH, or ./config/config.yaml. A missing
// file is only an error when the path was given explicitly.
func LoadConfig(path string) (*Config, error) {
	explicit := true
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path, explicit = defaultPath, false
	}

	data, err := os.ReadFile(path)
	if err != nil && (explicit || !errors.Is(err, os.ErrNotExist)) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := parse(data, true)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// parse decodes data, applies env overrides when withEnv is set and fills
// defaults. Empty data yields the defaults.
func parse(data []byte, withEnv bool) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if withEnv {
		if err := cfg.applyEnv(); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv honours the deployment variables of the node service this
// replaces: PORT, CLIENT_URL and ICE_SERVERS_JSON.
func (c *Config) applyEnv() error {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		c.HTTP.Addr = ":" + strings.TrimPrefix(port, ":")
	}
	if origin := strings.TrimSpace(os.Getenv("CLIENT_URL")); origin != "" {
		c.HTTP.AllowedOrigins = splitCommaSeparated(origin)
	}
	if raw := strings.TrimSpace(os.Getenv(envICEServersJSON)); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		c.ICEServers = servers
	}
	return nil
}

func (c *Config) validate() error {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":3001"
	}
	if c.HTTP.ReadTimeout == 0 {
		c.HTTP.ReadTimeout = 15 * time.Second
	}
	if c.HTTP.WriteTimeout == 0 {
		c.HTTP.WriteTimeout = 30 * time.Second
	}
	if c.HTTP.IdleTimeout == 0 {
		c.HTTP.IdleTimeout = 60 * time.Second
	}
	if len(c.HTTP.AllowedOrigins) == 0 {
		c.HTTP.AllowedOrigins = []string{"http://localhost:5173"}
	}

	if c.WS.PingInterval <= 0 {
		c.WS.PingInterval = 25 * time.Second
	}
	if c.WS.WriteTimeout <= 0 {
		c.WS.WriteTimeout = 10 * time.Second
	}
	if c.WS.MaxMessageBytes <= 0 {
		c.WS.MaxMessageBytes = 64 * 1024 // SDP blobs fit comfortably
	}
	if c.WS.SendBuffer <= 0 {
		c.WS.SendBuffer = 256
	}
	if c.WS.EventsPerSecond < 0 {
		return errors.New("ws.eventsPerSecond must be >= 0")
	}
	if c.WS.EventsPerSecond == 0 {
		c.WS.EventsPerSecond = 50
	}
	if c.WS.EventBurst <= 0 {
		c.WS.EventBurst = 100
	}

	if c.Logging.Service == "" {
		c.Logging.Service = "match-service"
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "dev"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}
	if c.Logging.Backend == "" {
		c.Logging.Backend = "std"
	}

	if c.ICEServers == nil {
		servers, err := c.iceServers()
		if err != nil {
			return err
		}
		c.ICEServers = servers
	}
	if len(c.ICEServers) == 0 {
		c.ICEServers = DefaultICEServers()
	}
	return nil
}
