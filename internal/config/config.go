// Package config holds the settings of a pcapdns run.
package config

import "time"

// Config is the top-level configuration file layout.
type Config struct {
	Decoder DecoderConfig `yaml:"decoder" toml:"decoder"`
	Cache   CacheConfig   `yaml:"cache" toml:"cache"`
	Input   InputConfig   `yaml:"input" toml:"input"`
	State   StateConfig   `yaml:"state" toml:"state"`
	Output  OutputConfig  `yaml:"output" toml:"output"`
	HTTP    HTTPConfig    `yaml:"http" toml:"http"`
	Report  ReportConfig  `yaml:"report" toml:"report"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

type DecoderConfig struct {
	// Pointers distinguish "unset" from an explicit false.
	AllowPartial  *bool    `yaml:"allow_partial" toml:"allow_partial"`
	TCPReassembly *bool    `yaml:"tcp_reassembly" toml:"tcp_reassembly"`
	ICMP          bool     `yaml:"icmp" toml:"icmp"`
	Ports         []uint16 `yaml:"ports" toml:"ports"`
}

type CacheConfig struct {
	TCPFlowTimeout  time.Duration `yaml:"tcp_flow_timeout" toml:"tcp_flow_timeout"`
	FragmentTimeout time.Duration `yaml:"fragment_timeout" toml:"fragment_timeout"`
	QueryTimeout    time.Duration `yaml:"query_timeout" toml:"query_timeout"`
}

type InputConfig struct {
	ReadBufferSize int `yaml:"read_buffer_size" toml:"read_buffer_size"`
	QueueSize      int `yaml:"queue_size" toml:"queue_size"`
}

type StateConfig struct {
	Path string `yaml:"path" toml:"path"`
}

type OutputConfig struct {
	Database string `yaml:"database" toml:"database"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
}

type ReportConfig struct {
	Dir string `yaml:"dir" toml:"dir"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

const (
	DefaultTCPFlowTimeout  = 10 * time.Minute
	DefaultFragmentTimeout = 10 * time.Minute
	DefaultQueryTimeout    = 2 * time.Second
	DefaultReadBufferSize  = 64 * 1024
	DefaultQueueSize       = 1024
)

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Decoder.AllowPartial == nil {
		c.Decoder.AllowPartial = boolPtr(true)
	}
	if c.Decoder.TCPReassembly == nil {
		c.Decoder.TCPReassembly = boolPtr(true)
	}
	if len(c.Decoder.Ports) == 0 {
		c.Decoder.Ports = []uint16{53}
	}
	if c.Cache.TCPFlowTimeout == 0 {
		c.Cache.TCPFlowTimeout = DefaultTCPFlowTimeout
	}
	if c.Cache.FragmentTimeout == 0 {
		c.Cache.FragmentTimeout = DefaultFragmentTimeout
	}
	if c.Cache.QueryTimeout == 0 {
		c.Cache.QueryTimeout = DefaultQueryTimeout
	}
	if c.Input.ReadBufferSize == 0 {
		c.Input.ReadBufferSize = DefaultReadBufferSize
	}
	if c.Input.QueueSize == 0 {
		c.Input.QueueSize = DefaultQueueSize
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 5
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 28
	}
}

func boolPtr(b bool) *bool { return &b }
