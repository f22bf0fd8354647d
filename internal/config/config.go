// Package config holds one env-driven options struct per SkillScale
// component: struct tags for defaults, a Load() that applies a .env file
// then environment variables, and a Validate() that rejects nonsensical
// combinations.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// ProxyConfig configures the XPUB/XSUB-equivalent broker process.
type ProxyConfig struct {
	XSUBAddr    string `env:"SKILLSCALE_PROXY_XSUB_LISTEN" envDefault:":5444"`
	XPUBAddr    string `env:"SKILLSCALE_PROXY_XPUB_LISTEN" envDefault:":5555"`
	AdminAddr   string `env:"SKILLSCALE_ADMIN_ADDR" envDefault:"127.0.0.1:9090"`
	QueueSize   int    `env:"SKILLSCALE_PROXY_QUEUE_SIZE" envDefault:"50000"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`
}

// ClientConfig configures the async SkillScale client.
type ClientConfig struct {
	ProxyXSUB       string        `env:"SKILLSCALE_PROXY_XSUB" envDefault:"tcp://127.0.0.1:5444"`
	ProxyXPUB       string        `env:"SKILLSCALE_PROXY_XPUB" envDefault:"tcp://127.0.0.1:5555"`
	ClientID        string        `env:"SKILLSCALE_CLIENT_ID" envDefault:""`
	DefaultTimeout  time.Duration `env:"SKILLSCALE_TIMEOUT" envDefault:"30s"`
	SettleTime      time.Duration `env:"SKILLSCALE_SETTLE_TIME" envDefault:"500ms"`
	PollTick        time.Duration `env:"SKILLSCALE_POLL_TICK" envDefault:"250ms"`
	GCMultiplier    float64       `env:"SKILLSCALE_GC_MULTIPLIER" envDefault:"2.0"`
	SendQueueDepth  int           `env:"SKILLSCALE_SEND_QUEUE_DEPTH" envDefault:"256"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"`
}

// ServerConfig configures a skill server process.
type ServerConfig struct {
	Topic          string        `env:"SKILLSCALE_TOPIC" envDefault:"TOPIC_DEFAULT"`
	Description    string        `env:"SKILLSCALE_DESCRIPTION" envDefault:""`
	SkillsDir      string        `env:"SKILLSCALE_SKILLS_DIR" envDefault:"./skills"`
	ProxyXSUB      string        `env:"SKILLSCALE_PROXY_XSUB" envDefault:"tcp://127.0.0.1:5444"`
	ProxyXPUB      string        `env:"SKILLSCALE_PROXY_XPUB" envDefault:"tcp://127.0.0.1:5555"`
	AdminAddr      string        `env:"SKILLSCALE_ADMIN_ADDR" envDefault:"127.0.0.1:9091"`
	PoolSize       int           `env:"SKILLSCALE_WORKERS" envDefault:"2"`
	QueueSize      int           `env:"SKILLSCALE_QUEUE_SIZE" envDefault:"256"`
	ExecTimeout    time.Duration `env:"SKILLSCALE_TIMEOUT" envDefault:"120s"`
	SettleTime     time.Duration `env:"SKILLSCALE_SETTLE_TIME" envDefault:"500ms"`
	ShutdownGrace  time.Duration `env:"SKILLSCALE_SHUTDOWN_GRACE" envDefault:"5s"`
	MaxExecPerSec  float64       `env:"SKILLSCALE_MAX_EXEC_RATE" envDefault:"50"`
	MaxOutputBytes int64         `env:"SKILLSCALE_MAX_OUTPUT_BYTES" envDefault:"8388608"`
	MatcherMode    string        `env:"SKILLSCALE_MATCHER_MODE" envDefault:"single"`
	MatcherExternalPath string  `env:"SKILLSCALE_MATCHER_EXTERNAL_PATH" envDefault:""`
	CPURejectPct   float64       `env:"SKILLSCALE_CPU_REJECT_THRESHOLD" envDefault:"90.0"`
	Watch          bool          `env:"SKILLSCALE_WATCH" envDefault:"false"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat      string        `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadProxyConfig reads ProxyConfig from a .env file (if present) then
// environment variables.
func LoadProxyConfig() (*ProxyConfig, error) {
	loadDotenv()
	cfg := &ProxyConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse proxy config: %w", err)
	}
	if cfg.QueueSize < 1 {
		return nil, fmt.Errorf("config: SKILLSCALE_PROXY_QUEUE_SIZE must be > 0, got %d", cfg.QueueSize)
	}
	return cfg, nil
}

// LoadClientConfig reads ClientConfig from a .env file (if present) then
// environment variables.
func LoadClientConfig() (*ClientConfig, error) {
	loadDotenv()
	cfg := &ClientConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse client config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks a ClientConfig for internally consistent values.
func (c *ClientConfig) Validate() error {
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("config: SKILLSCALE_TIMEOUT must be > 0")
	}
	if c.GCMultiplier <= 0 {
		return fmt.Errorf("config: SKILLSCALE_GC_MULTIPLIER must be > 0")
	}
	return nil
}

// LoadServerConfig reads ServerConfig from a .env file (if present) then
// environment variables.
func LoadServerConfig() (*ServerConfig, error) {
	loadDotenv()
	cfg := &ServerConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse server config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks a ServerConfig for internally consistent values.
func (c *ServerConfig) Validate() error {
	if c.Topic == "" {
		return fmt.Errorf("config: SKILLSCALE_TOPIC is required")
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("config: SKILLSCALE_WORKERS must be > 0, got %d", c.PoolSize)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("config: SKILLSCALE_QUEUE_SIZE must be > 0, got %d", c.QueueSize)
	}
	switch c.MatcherMode {
	case "single", "explicit-only", "external":
	default:
		return fmt.Errorf("config: SKILLSCALE_MATCHER_MODE must be one of: single, explicit-only, external (got %q)", c.MatcherMode)
	}
	if c.CPURejectPct < 0 || c.CPURejectPct > 100 {
		return fmt.Errorf("config: SKILLSCALE_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectPct)
	}
	return nil
}

// TrimScheme strips a "tcp://" (or any "scheme://") prefix from an
// endpoint string, since SkillScale writes endpoints in URI notation
// but net.Dial/net.Listen want bare host:port.
func TrimScheme(addr string) string {
	if i := strings.Index(addr, "://"); i >= 0 {
		return addr[i+3:]
	}
	return addr
}

// loadDotenv loads a .env file for developer convenience. A missing file
// is not an error — production deployments set real environment
// variables directly.
func loadDotenv() {
	_ = godotenv.Load()
}
