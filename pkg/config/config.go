// Package config loads client settings and bucket declarations from a TOML
// file, with environment overrides.
//
//	app_id = "my-app"
//	token = "..."
//
//	[storage]
//	path = "data"
//
//	[[bucket]]
//	name = "note"
//	remote = "notes"
//
//	  [[bucket.member]]
//	  name = "content"
//	  type = "text"
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/simperium/simperium.go/pkg/connection"
	"github.com/simperium/simperium.go/pkg/constants"
	"github.com/simperium/simperium.go/pkg/schema"
)

// Environment variables read by Load. They take precedence over the file.
const (
	EnvAppID = "SIMPERIUM_APP_ID"
	EnvToken = "SIMPERIUM_TOKEN"
	EnvURL   = "SIMPERIUM_URL"
)

type Config struct {
	AppID    string `toml:"app_id"`
	Token    string `toml:"token"`
	URL      string `toml:"url"`
	ClientID string `toml:"client_id"`

	Heartbeat          Duration `toml:"heartbeat"`
	IndexPageSize      int      `toml:"index_page_size"`
	MaxConflictRetries int      `toml:"max_conflict_retries"`

	Storage StorageConfig `toml:"storage"`
	Logging LoggingConfig `toml:"logging"`
	Metrics MetricsConfig `toml:"metrics"`

	Buckets []BucketConfig `toml:"bucket"`
}

type StorageConfig struct {
	// Path is the pebble directory. Empty keeps everything in memory.
	Path      string `toml:"path"`
	CacheSize int    `toml:"cache_size"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
	Path  string `toml:"path"`
}

type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint. Empty disables it.
	Listen string `toml:"listen"`
}

type BucketConfig struct {
	Name    string         `toml:"name"`
	Remote  string         `toml:"remote"`
	Members []MemberConfig `toml:"member"`
}

type MemberConfig struct {
	Name       string `toml:"name"`
	Type       string `toml:"type"`
	References string `toml:"references"`
	Default    any    `toml:"default"`
}

// Duration is a time.Duration written as a string such as "20s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func Default() *Config {
	return &Config{
		URL:                connection.DefaultURL,
		Heartbeat:          Duration(constants.DefaultHeartbeatInterval),
		IndexPageSize:      constants.DefaultIndexPageSize,
		MaxConflictRetries: constants.DefaultMaxConflictRetries,
		Logging:            LoggingConfig{Level: "info"},
	}
}

// Load reads path over the defaults and applies the environment. An empty
// path only applies the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a TOML document over the defaults. The environment is not
// consulted.
func Parse(doc string) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(doc, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv(EnvAppID); ok && v != "" {
		c.AppID = v
	}
	if v, ok := os.LookupEnv(EnvToken); ok && v != "" {
		c.Token = v
	}
	if v, ok := os.LookupEnv(EnvURL); ok && v != "" {
		c.URL = v
	}
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	if c.AppID == "" {
		errs = append(errs, constants.ErrNoAppID)
	}
	if c.IndexPageSize < 0 {
		errs = append(errs, fmt.Errorf("index_page_size %d is negative", c.IndexPageSize))
	}
	seen := make(map[string]bool, len(c.Buckets))
	for i, b := range c.Buckets {
		if b.Name == "" {
			errs = append(errs, fmt.Errorf("bucket %d has no name", i))
			continue
		}
		if seen[b.Name] {
			errs = append(errs, fmt.Errorf("%w: %s", constants.ErrBucketExists, b.Name))
		}
		seen[b.Name] = true
	}
	return errors.Join(errs...)
}

// Connection returns the transport settings.
func (c *Config) Connection() (*connection.Config, error) {
	u, err := connection.Endpoint(c.URL, c.AppID)
	if err != nil {
		return nil, err
	}
	cc := connection.NewConfig(u)
	cc.AppID = c.AppID
	cc.Token = c.Token
	if c.ClientID != "" {
		cc.ClientID = c.ClientID
	}
	if c.Heartbeat > 0 {
		cc.HeartbeatInterval = c.Heartbeat.Duration()
	}
	return cc, nil
}

// Schemas builds the declared buckets, in file order.
func (c *Config) Schemas() ([]*schema.Schema, error) {
	out := make([]*schema.Schema, 0, len(c.Buckets))
	for _, b := range c.Buckets {
		members := make([]schema.Member, 0, len(b.Members))
		for _, m := range b.Members {
			t, err := schema.ParseType(m.Type)
			if err != nil {
				return nil, fmt.Errorf("bucket %s member %s: %w", b.Name, m.Name, err)
			}
			members = append(members, schema.Member{
				Name:       m.Name,
				Type:       t,
				Default:    m.Default,
				References: m.References,
			})
		}
		s, err := schema.New(b.Name, members...)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// BucketNames maps local bucket names to their remote names, for buckets
// that declare one.
func (c *Config) BucketNames() map[string]string {
	names := make(map[string]string)
	for _, b := range c.Buckets {
		if b.Remote != "" && b.Remote != b.Name {
			names[b.Name] = b.Remote
		}
	}
	return names
}
