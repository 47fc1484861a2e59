// Package config loads the process configuration from a file overlaid
// with environment variables, following the layered-provider pattern
// koanf is built around.
package config

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix is stripped from and the remainder lower-cased and
// underscore-split into koanf's "." delimiter, so
// UPDATEVERIFY_DNS_RESOLVER becomes dns.resolver.
const envPrefix = "UPDATEVERIFY_"

// DNSConfig configures the DNS quorum stage (spec §4.2).
type DNSConfig struct {
	Resolver string   `koanf:"resolver"`
	Domains  []string `koanf:"domains"`
	// Timeout is a time.ParseDuration-style string (e.g. "5s").
	Timeout string `koanf:"timeout"`
}

// TimeoutDuration parses DNS.Timeout, falling back to 5s if unset or
// malformed.
func (c DNSConfig) TimeoutDuration() time.Duration {
	if d, err := time.ParseDuration(c.Timeout); err == nil {
		return d
	}
	return 5 * time.Second
}

// TrustConfig configures the trust-key import and signature-quorum
// stages (spec §4.4/§4.5).
type TrustConfig struct {
	ManifestPath    string `koanf:"manifest_path"`
	MinValidSigs    int    `koanf:"min_valid_sigs"`
	GPGHomeDir      string `koanf:"gpg_home_dir"`
	AttestationBase string `koanf:"attestation_base_url"`
	RawBase         string `koanf:"raw_base_url"`
}

// DownloadConfig configures the download and hash-check stages (spec
// §4.6/§4.7).
type DownloadConfig struct {
	Directory string `koanf:"directory"`
	BaseURL   string `koanf:"base_url"`
	// HTTPTimeout is a time.ParseDuration-style string (e.g. "60s").
	HTTPTimeout string `koanf:"http_timeout"`
}

// HTTPTimeoutDuration parses Download.HTTPTimeout, falling back to 60s
// if unset or malformed.
func (c DownloadConfig) HTTPTimeoutDuration() time.Duration {
	if d, err := time.ParseDuration(c.HTTPTimeout); err == nil {
		return d
	}
	return 60 * time.Second
}

// ServerConfig configures the optional status/control HTTP surface.
type ServerConfig struct {
	ListenAddr string `koanf:"listen_addr"`
}

// Config is the process's full configuration, decoded with koanf tags so
// both the YAML config file and environment overlay share one set of
// field names.
type Config struct {
	Software       string `koanf:"software"`
	Buildtag       string `koanf:"buildtag"`
	CurrentVersion string `koanf:"current_version"`

	DNS      DNSConfig      `koanf:"dns"`
	Trust    TrustConfig    `koanf:"trust"`
	Download DownloadConfig `koanf:"download"`
	Server   ServerConfig   `koanf:"server"`
}

func defaults() *koanf.Koanf {
	k := koanf.New(".")
	_ = k.Load(confmap.Provider(map[string]interface{}{
		"dns.resolver":           "1.1.1.1:53",
		"dns.timeout":            "5s",
		"trust.min_valid_sigs":   2,
		"trust.gpg_home_dir":     "./updateverify-gpg",
		"download.directory":     "./updateverify-downloads",
		"download.http_timeout":  "60s",
		"server.listen_addr":     "127.0.0.1:8787",
	}, "."), nil)
	return k
}

// Load reads configPath (if non-empty) as YAML, overlays any
// UPDATEVERIFY_-prefixed environment variables, and decodes the result
// into a Config seeded with defaults.
func Load(configPath string) (*Config, error) {
	k := defaults()

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMap), nil); err != nil {
		return nil, fmt.Errorf("load environment config: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKeyMap turns UPDATEVERIFY_DNS_RESOLVER into dns.resolver.
func envKeyMap(s string) string {
	s = s[len(envPrefix):]
	out := make([]rune, 0, len(s))
	for _, c := range s {
		switch {
		case c == '_':
			out = append(out, '.')
		case c >= 'A' && c <= 'Z':
			out = append(out, c-'A'+'a')
		default:
			out = append(out, c)
		}
	}
	return string(out)
}

// Validate checks the fields the pipeline cannot safely run without.
func (c *Config) Validate() error {
	if c.Software == "" {
		return fmt.Errorf("config: software is required")
	}
	if c.Buildtag == "" {
		return fmt.Errorf("config: buildtag is required")
	}
	if c.CurrentVersion == "" {
		return fmt.Errorf("config: current_version is required")
	}
	if len(c.DNS.Domains) < 4 {
		return fmt.Errorf("config: dns.domains must list at least 4 domains, got %d", len(c.DNS.Domains))
	}
	if c.Trust.ManifestPath == "" {
		return fmt.Errorf("config: trust.manifest_path is required")
	}
	if c.Trust.AttestationBase == "" {
		return fmt.Errorf("config: trust.attestation_base_url is required")
	}
	if c.Trust.RawBase == "" {
		return fmt.Errorf("config: trust.raw_base_url is required")
	}
	if c.Download.BaseURL == "" {
		return fmt.Errorf("config: download.base_url is required")
	}
	return nil
}
