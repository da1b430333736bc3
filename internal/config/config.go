// Package config loads importctl's TOML configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dmkre/gamestack/internal/importer"
)

type fileConfig struct {
	Addr          string `toml:"addr"`
	ClientID      string `toml:"client_id"`
	ClientVersion string `toml:"client_version"`
	ServiceName   string `toml:"service_name"`

	Session struct {
		ConnectTimeout   string `toml:"connect_timeout"`
		HandshakeTimeout string `toml:"handshake_timeout"`
		ReadTimeout      string `toml:"read_timeout"`
		WriteTimeout     string `toml:"write_timeout"`
		DrainAttempts    int    `toml:"drain_attempts"`
	} `toml:"session"`

	TLS struct {
		ServerName         string `toml:"server_name"`
		CAFile             string `toml:"ca_file"`
		InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	} `toml:"tls"`

	Import struct {
		MaxAttempts int    `toml:"max_attempts"`
		CacheTTL    string `toml:"cache_ttl"`
		Concurrency int    `toml:"concurrency"`
		GamesOnly   bool   `toml:"games_only"`
		DropExpired bool   `toml:"drop_expired"`
	} `toml:"import"`
}

// Load reads path and returns an importer config with defaults applied for
// anything the file leaves out.
func Load(path string) (importer.Config, error) {
	cfg := importer.DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return importer.Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	cfg.Session.Addr = strings.TrimSpace(raw.Addr)
	cfg.Session.ClientID = strings.TrimSpace(raw.ClientID)
	cfg.Session.ClientVersion = strings.TrimSpace(raw.ClientVersion)
	if meta.IsDefined("service_name") {
		cfg.ServiceName = strings.TrimSpace(raw.ServiceName)
	}

	durations := []struct {
		key  string
		raw  string
		dest *time.Duration
	}{
		{"session.connect_timeout", raw.Session.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{"session.handshake_timeout", raw.Session.HandshakeTimeout, &cfg.Session.HandshakeTimeout},
		{"session.read_timeout", raw.Session.ReadTimeout, &cfg.Session.ReadTimeout},
		{"session.write_timeout", raw.Session.WriteTimeout, &cfg.Session.WriteTimeout},
		{"import.cache_ttl", raw.Import.CacheTTL, &cfg.CacheTTL},
	}
	for _, d := range durations {
		if !meta.IsDefined(strings.Split(d.key, ".")...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return importer.Config{}, fmt.Errorf("config parse %s: %w", d.key, err)
		}
		*d.dest = v
	}

	if meta.IsDefined("session", "drain_attempts") {
		cfg.Session.DrainAttempts = raw.Session.DrainAttempts
	}
	if meta.IsDefined("import", "max_attempts") {
		cfg.MaxAttempts = raw.Import.MaxAttempts
	}
	if meta.IsDefined("import", "concurrency") {
		cfg.Concurrency = raw.Import.Concurrency
	}
	cfg.GamesOnly = raw.Import.GamesOnly
	cfg.DropExpired = raw.Import.DropExpired

	cfg.Session.TLS.ServerName = strings.TrimSpace(raw.TLS.ServerName)
	cfg.Session.TLS.CAFile = strings.TrimSpace(raw.TLS.CAFile)
	cfg.Session.TLS.InsecureSkipVerify = raw.TLS.InsecureSkipVerify

	if err := Validate(cfg); err != nil {
		return importer.Config{}, err
	}
	return cfg, nil
}

func Validate(cfg importer.Config) error {
	if strings.TrimSpace(cfg.Session.Addr) == "" {
		return fmt.Errorf("config missing addr")
	}
	if strings.TrimSpace(cfg.Session.ClientID) == "" {
		return fmt.Errorf("config missing client_id")
	}
	if strings.TrimSpace(cfg.Session.ClientVersion) == "" {
		return fmt.Errorf("config missing client_version")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return fmt.Errorf("config missing service_name")
	}
	return nil
}
