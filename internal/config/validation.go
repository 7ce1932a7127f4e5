package config

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// ValidationErrors holds every problem found in a configuration.
type ValidationErrors []error

func (v ValidationErrors) Error() string {
	var b strings.Builder

	b.WriteString("validation failed with the following errors:\n")
	for _, err := range v {
		b.WriteString(fmt.Sprintf("- %s\n", err))
	}
	return b.String()
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs ValidationErrors

	for _, p := range c.Decoder.Ports {
		if p == 0 {
			errs = append(errs, fmt.Errorf("decoder.ports: port 0 is not valid"))
		}
	}
	if c.Cache.TCPFlowTimeout < 0 {
		errs = append(errs, fmt.Errorf("cache.tcp_flow_timeout must be positive"))
	}
	if c.Cache.FragmentTimeout < 0 {
		errs = append(errs, fmt.Errorf("cache.fragment_timeout must be positive"))
	}
	if c.Cache.QueryTimeout < 0 {
		errs = append(errs, fmt.Errorf("cache.query_timeout must be positive"))
	}
	if c.Input.ReadBufferSize < 0 {
		errs = append(errs, fmt.Errorf("input.read_buffer_size must be positive"))
	}
	if c.Input.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("input.queue_size must be positive"))
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch c.Logging.Format {
	case "console", "json", "none":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be console, json or none, got %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
