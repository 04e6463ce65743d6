// Package config loads configuration for the DoH forwarding proxy.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/spf13/viper"
)

// Config contains all runtime options required by the proxy.
type Config struct {
	ListenHost string
	ListenPort int

	DoHUpstreams []string
	BootstrapDNS string

	WorkerCount int
	QueueSize   int

	CacheEnabled bool

	LogLevel string
}

// Load reads configuration from environment variables, with a default for
// every variable.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		ListenHost:   v.GetString("LISTEN_HOST"),
		ListenPort:   v.GetInt("LISTEN_PORT"),
		DoHUpstreams: splitUpstreams(v.GetString("DOH_UPSTREAM")),
		BootstrapDNS: v.GetString("BOOTSTRAP_DNS"),
		WorkerCount:  v.GetInt("WORKER_COUNT"),
		QueueSize:    v.GetInt("QUEUE_SIZE"),
		CacheEnabled: v.GetBool("CACHE_ENABLED"),
		LogLevel:     strings.ToUpper(v.GetString("LOG_LEVEL")),
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LISTEN_PORT", 5053)
	v.SetDefault("LISTEN_HOST", "0.0.0.0")
	v.SetDefault("DOH_UPSTREAM", "https://cloudflare-dns.com/dns-query")
	v.SetDefault("BOOTSTRAP_DNS", "8.8.8.8")
	v.SetDefault("WORKER_COUNT", 10)
	v.SetDefault("QUEUE_SIZE", 1000)
	v.SetDefault("CACHE_ENABLED", true)
	v.SetDefault("LOG_LEVEL", "INFO")
}

func splitUpstreams(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ValidateLogLevel ensures the configured log level matches the supported
// set.
func ValidateLogLevel(level string) error {
	switch strings.ToUpper(level) {
	case "DEBUG", "INFO", "WARNING", "ERROR":
		return nil
	default:
		return fmt.Errorf("invalid log level: %s (must be one of: DEBUG, INFO, WARNING, ERROR)", level)
	}
}

// ValidateHostPort confirms a host is a valid IP and port is a valid UDP
// port number.
func ValidateHostPort(host string, port int) error {
	if ip := net.ParseIP(host); ip == nil {
		return fmt.Errorf("invalid IP address: %s", host)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port: %d", port)
	}
	return nil
}

// ValidateDoHURL requires an https:// URL so DoH semantics (Content-Type,
// TLS transport) hold.
func ValidateDoHURL(raw string) error {
	if !strings.HasPrefix(raw, "https://") {
		return fmt.Errorf("invalid DoH upstream URL %q: must use https://", raw)
	}
	return nil
}

func validateConfig(cfg *Config) error {
	if err := ValidateLogLevel(cfg.LogLevel); err != nil {
		return err
	}
	if err := ValidateHostPort(cfg.ListenHost, cfg.ListenPort); err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}

	if len(cfg.DoHUpstreams) == 0 {
		return errors.New("DOH_UPSTREAM must contain at least one endpoint")
	}
	for _, u := range cfg.DoHUpstreams {
		if err := ValidateDoHURL(u); err != nil {
			return err
		}
	}

	if ip := net.ParseIP(cfg.BootstrapDNS); ip == nil {
		return fmt.Errorf("invalid BOOTSTRAP_DNS: %s", cfg.BootstrapDNS)
	}

	if cfg.WorkerCount < 1 {
		return errors.New("WORKER_COUNT must be >= 1")
	}
	if cfg.QueueSize < 1 {
		return errors.New("QUEUE_SIZE must be >= 1")
	}

	return nil
}
