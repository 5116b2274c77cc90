// Package config loads the server's runtime settings from a YAML file and
// supplies the defaults used when no file is present.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/deskflow/go-deskflow/snet"
)

// DefaultPort is the well-known port of the input-sharing protocol.
const DefaultPort = 24800

// Settings is the configuration tree consumed by the server binary. Every
// field can be overridden on the command line.
type Settings struct {
	// Address is the bind address. Empty means "let netmon suggest one".
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	// SecurityLevel is "disabled" or "certificate-required".
	SecurityLevel string `yaml:"security_level"`
	// TLSCert overrides the certificate bundle path. Empty means the
	// default {profile_dir}/tls/{app_id}.pem.
	TLSCert    string `yaml:"tls_cert"`
	ProfileDir string `yaml:"profile_dir"`
	AppID      string `yaml:"app_id"`
	Advertise  bool   `yaml:"advertise"`
	// PollIntervalMS is the netmon re-check interval.
	PollIntervalMS int `yaml:"poll_interval_ms"`
}

// Default returns the settings used when no config file is given.
func Default() Settings {
	return Settings{
		Port:           DefaultPort,
		SecurityLevel:  snet.SecurityCertRequired.String(),
		AppID:          "deskflow",
		Advertise:      true,
		PollIntervalMS: 1000,
	}
}

// Load reads a YAML settings file over the defaults.
func Load(path string) (Settings, error) {
	s := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return s, nil
}

// Level parses the configured security level.
func (s Settings) Level() (snet.SecurityLevel, error) {
	return snet.ParseSecurityLevel(s.SecurityLevel)
}

// PollInterval returns the netmon re-check interval as a duration.
func (s Settings) PollInterval() time.Duration {
	if s.PollIntervalMS <= 0 {
		return time.Second
	}
	return time.Duration(s.PollIntervalMS) * time.Millisecond
}

// ResolveProfileDir returns the configured profile directory, defaulting to
// the per-user configuration directory for the application.
func (s Settings) ResolveProfileDir() (string, error) {
	if s.ProfileDir != "" {
		return s.ProfileDir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: locating user config dir: %w", err)
	}
	return filepath.Join(base, s.AppID), nil
}

// Validate checks the settings for obvious mistakes.
func (s Settings) Validate() error {
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", s.Port)
	}
	if s.AppID == "" {
		return fmt.Errorf("config: app_id must not be empty")
	}
	if _, err := s.Level(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
