package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 服务配置，来自 YAML 文件，命令行参数可覆盖部分字段
type Config struct {
	Addr    string        `yaml:"addr"`
	Log     LogConfig     `yaml:"log"`
	WS      WSConfig      `yaml:"ws"`
	Catalog CatalogConfig `yaml:"catalog"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	Level      string `yaml:"level"` // debug|info|warn|error
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	Console    bool   `yaml:"console"` // 同时输出到 stderr
}

type WSConfig struct {
	Path           string   `yaml:"path"`
	ReadLimit      int64    `yaml:"read_limit"`
	SendQueue      int      `yaml:"send_queue"`
	JoinTimeoutMs  int      `yaml:"join_timeout_ms"`
	PongWaitMs     int      `yaml:"pong_wait_ms"`
	PingPeriodMs   int      `yaml:"ping_period_ms"`
	WriteWaitMs    int      `yaml:"write_wait_ms"`
	AllowedOrigins []string `yaml:"allowed_origins"` // 为空则允许所有来源
}

type CatalogConfig struct {
	Driver   string `yaml:"driver"` // sqlite|memory
	DSN      string `yaml:"dsn"`
	SeedFile string `yaml:"seed_file"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Addr: ":3001",
		Log: LogConfig{
			File:       "app.log",
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		WS: WSConfig{
			Path:          "/api/v1/ws",
			ReadLimit:     64 * 1024,
			SendQueue:     64,
			JoinTimeoutMs: 10_000,
			PongWaitMs:    60_000,
			PingPeriodMs:  54_000,
			WriteWaitMs:   5_000,
		},
		Catalog: CatalogConfig{
			Driver: "sqlite",
			DSN:    "data/catalog.db",
		},
	}
}

// LoadConfig 读取 YAML；文件中未出现的字段保留默认值
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate 检查互相依赖的参数
func (c Config) Validate() error {
	if c.WS.SendQueue <= 0 {
		return fmt.Errorf("ws.send_queue must be positive")
	}
	if c.WS.PingPeriodMs <= 0 || c.WS.PingPeriodMs >= c.WS.PongWaitMs {
		return fmt.Errorf("ws.ping_period_ms must be in (0, pong_wait_ms)")
	}
	switch c.Catalog.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("catalog.driver %q: want sqlite or memory", c.Catalog.Driver)
	}
	return nil
}

func (c WSConfig) joinTimeout() time.Duration { return ms(c.JoinTimeoutMs) }
func (c WSConfig) pongWait() time.Duration    { return ms(c.PongWaitMs) }
func (c WSConfig) pingPeriod() time.Duration  { return ms(c.PingPeriodMs) }
func (c WSConfig) writeWait() time.Duration   { return ms(c.WriteWaitMs) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }
