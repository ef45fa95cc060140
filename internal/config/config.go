// Package config loads the YAML file that describes one sendzoned
// instance's listeners, sending zones, domain overrides, and routing
// tables, and can watch that file for changes (spec.md §4.9 "Configuration
// reload"). It deliberately does not reimplement the teacher's
// block-structured config language (framework/cfgparser) — that DSL's
// grammar is itself a config-file-parsing feature spec.md's Non-goals
// exclude. What's carried is the ambient concern: typed, validated,
// reloadable configuration sourced from a real library.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the top-level shape of a sendzoned config file.
type File struct {
	Hostname string           `yaml:"hostname"`
	Listeners []Listener      `yaml:"listeners"`
	Zones     []Zone          `yaml:"zones"`
	Domains   []DomainOverride `yaml:"domains"`
	Routes    Routes          `yaml:"routes"`
}

// Listener describes one SMTP Ingress endpoint (spec.md §4.8).
type Listener struct {
	Name              string        `yaml:"name"`
	Addr              string        `yaml:"addr"`
	Submission        bool          `yaml:"submission"`
	MaxRecipients     int           `yaml:"max_recipients"`
	MaxMessageBytes   int64         `yaml:"max_message_bytes"`
	AllowInsecureAuth bool          `yaml:"allow_insecure_auth"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	TLS               *TLS          `yaml:"tls"`
}

// TLS names where a listener's certificate material comes from: the env,
// file and certmagic sources of internal/tlsconf.Source, applied in its
// env -> file -> certmagic order. Inline PEM material cannot be set here.
type TLS struct {
	CertEnv  string   `yaml:"cert_env"`
	KeyEnv   string   `yaml:"key_env"`
	CertFile string   `yaml:"cert_file"`
	KeyFile  string   `yaml:"key_file"`

	ManagedNames []string `yaml:"managed_names"`
	ManagedEmail string   `yaml:"managed_email"`
	CacheDir     string   `yaml:"cache_dir"`
}

// Zone describes one Sending Zone (spec.md §4.9).
type Zone struct {
	Name        string   `yaml:"name"`
	Processes   int      `yaml:"processes"`
	Connections int      `yaml:"connections"`
	Pool4       []string `yaml:"pool4"`
	Pool6       []string `yaml:"pool6"`

	ThrottleN      int           `yaml:"throttle_n"`
	ThrottlePeriod time.Duration `yaml:"throttle_period"`

	PoolHash string `yaml:"pool_hash"` // "from" hashes on the sender; any other value on the delivery's id.seq

	Disabled bool `yaml:"disabled"`

	IgnoreIPv6 bool `yaml:"ignore_ipv6"`
	PreferIPv6 bool `yaml:"prefer_ipv6"`

	BlacklistTTL time.Duration `yaml:"blacklist_ttl"`
}

// DomainOverride sets per-domain limits (spec.md §3 "Domain Config").
type DomainOverride struct {
	Domain         string `yaml:"domain"`
	MaxConnections int    `yaml:"max_connections"`
}

// Routes is the YAML shape of router.Tables (spec.md §4.10).
type Routes struct {
	Headers         map[string]map[string]string `yaml:"headers"`
	SenderDomain    map[string]string             `yaml:"sender_domain"`
	RecipientDomain map[string]string             `yaml:"recipient_domain"`
	Origin          map[string]string             `yaml:"origin"`
	Default         string                        `yaml:"default"`
}

// Load reads and parses the YAML file at path.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return &f, nil
}

func (f *File) validate() error {
	if f.Hostname == "" {
		return fmt.Errorf("hostname is required")
	}
	names := make(map[string]bool, len(f.Zones))
	for _, z := range f.Zones {
		if z.Name == "" {
			return fmt.Errorf("a zone is missing a name")
		}
		if names[z.Name] {
			return fmt.Errorf("duplicate zone name %q", z.Name)
		}
		names[z.Name] = true
	}
	for _, l := range f.Listeners {
		if l.Addr == "" {
			return fmt.Errorf("listener %q is missing an addr", l.Name)
		}
	}
	return nil
}
