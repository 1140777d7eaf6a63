// Package config loads the YAML service list the proxy is configured
// from: per-service bind/upstream addresses, timeouts, history ceilings,
// TLS material paths, the optional scripting hook, and dumper knobs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied to any service block that omits the corresponding
// key.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxHistory     = ByteSize(512 << 20) // 512 MiB
	DefaultDumpMaxPackets = 512
	DefaultDumpInterval   = 5 * time.Minute
	DefaultDumpFormat     = "{service}-{client_ip}_{client_port}-{timestamp}.pcap"
)

// Service is one `services[]` entry: everything needed to run one
// listener end to end.
type Service struct {
	ServiceName string `yaml:"service_name"`

	ClientIP   string `yaml:"client_ip"`
	ClientPort int    `yaml:"client_port"`
	ServerIP   string `yaml:"server_ip"`
	ServerPort int    `yaml:"server_port"`

	ClientTimeout    Duration `yaml:"client_timeout"`
	ServerTimeout    Duration `yaml:"server_timeout"`
	ClientMaxHistory ByteSize `yaml:"client_max_history"`
	ServerMaxHistory ByteSize `yaml:"server_max_history"`

	TLSEnabled  bool   `yaml:"tls_enabled"`
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	TLSCAFile   string `yaml:"tls_ca_file"`

	ScriptPath string `yaml:"script_path"`

	HTTPEnabled            bool     `yaml:"http_enabled"`
	HTTPKeepAlive          bool     `yaml:"http_keep_alive"`
	HTTPHalfClose          bool     `yaml:"http_half_close"`
	HTTPDateHeader         bool     `yaml:"http_date_header"`
	HTTPMaxBody            ByteSize `yaml:"http_max_body"`
	HTTPPreserveHeaderCase bool     `yaml:"preserve_header_case"`

	DumpEnabled    bool     `yaml:"dump_enabled"`
	DumpPath       string   `yaml:"dump_path"`
	DumpFormat     string   `yaml:"dump_format"`
	DumpInterval   Duration `yaml:"dump_interval"`
	DumpMaxPackets int      `yaml:"dump_max_packets"`
}

// Config is the root document: a flat list of independently-run
// services.
type Config struct {
	Services []Service `yaml:"services"`
}

// Load reads and parses the YAML document at path, applying defaults and
// validating each service block. Config errors are fatal at startup — the
// caller (main) is expected to exit on a non-nil error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if len(cfg.Services) == 0 {
		return nil, fmt.Errorf("config: %s defines no services", path)
	}

	for i := range cfg.Services {
		applyDefaults(&cfg.Services[i])
		if err := validate(&cfg.Services[i]); err != nil {
			return nil, fmt.Errorf("config: service %d: %w", i, err)
		}
	}

	return &cfg, nil
}

func applyDefaults(s *Service) {
	if s.ClientTimeout == 0 {
		s.ClientTimeout = Duration(DefaultTimeout)
	}
	if s.ServerTimeout == 0 {
		s.ServerTimeout = Duration(DefaultTimeout)
	}
	if s.ClientMaxHistory == 0 {
		s.ClientMaxHistory = DefaultMaxHistory
	}
	if s.ServerMaxHistory == 0 {
		s.ServerMaxHistory = DefaultMaxHistory
	}
	if s.DumpEnabled && s.DumpMaxPackets == 0 {
		s.DumpMaxPackets = DefaultDumpMaxPackets
	}
	if s.DumpEnabled && s.DumpInterval == 0 {
		s.DumpInterval = Duration(DefaultDumpInterval)
	}
	if s.DumpEnabled && s.DumpFormat == "" {
		s.DumpFormat = DefaultDumpFormat
	}
}

func validate(s *Service) error {
	if s.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if s.ClientIP == "" || s.ClientPort == 0 {
		return fmt.Errorf("%s: client_ip/client_port are required", s.ServiceName)
	}
	if s.ServerIP == "" || s.ServerPort == 0 {
		return fmt.Errorf("%s: server_ip/server_port are required", s.ServiceName)
	}
	if s.TLSEnabled && (s.TLSCertFile == "" || s.TLSKeyFile == "") {
		return fmt.Errorf("%s: tls_cert_file and tls_key_file are required when tls_enabled", s.ServiceName)
	}
	if s.DumpEnabled && s.DumpPath == "" {
		return fmt.Errorf("%s: dump_path is required when dump_enabled", s.ServiceName)
	}
	return nil
}
