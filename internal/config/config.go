package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied to unset profile fields.
const (
	DefaultPageSize        = 50
	DefaultConnectAttempts = 5
	DefaultBaseDelay       = time.Second
	DefaultMaxDelay        = 16 * time.Second
	DefaultReconnectTries  = 5
)

// Config represents the global ~/.hubchat/config.toml.
type Config struct {
	DefaultProfile string             `toml:"default_profile"`
	Profiles       map[string]Profile `toml:"profiles"`
}

// Profile is one account on one chat server.
type Profile struct {
	APIBaseURL      string    `toml:"api_base_url"`
	HubURL          string    `toml:"hub_url,omitempty"`
	TokenFile       string    `toml:"token_file,omitempty"`
	PageSize        int       `toml:"page_size,omitempty"`
	ConnectAttempts int       `toml:"connect_attempts,omitempty"`
	Reconnect       Reconnect `toml:"reconnect"`
}

// Reconnect configures the hub's automatic reconnection.
type Reconnect struct {
	BaseDelayMS int `toml:"base_delay_ms,omitempty"`
	MaxDelayMS  int `toml:"max_delay_ms,omitempty"`
	MaxAttempts int `toml:"max_attempts,omitempty"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Lookup returns the named profile with defaults applied.
func (c *Config) Lookup(name string) (Profile, error) {
	p, ok := c.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("profile %q not found in config", name)
	}
	if p.APIBaseURL == "" {
		return Profile{}, fmt.Errorf("profile %q: api_base_url is required", name)
	}
	return p.withDefaults(), nil
}

func (p Profile) withDefaults() Profile {
	if p.PageSize <= 0 {
		p.PageSize = DefaultPageSize
	}
	if p.ConnectAttempts <= 0 {
		p.ConnectAttempts = DefaultConnectAttempts
	}
	if p.Reconnect.BaseDelayMS <= 0 {
		p.Reconnect.BaseDelayMS = int(DefaultBaseDelay / time.Millisecond)
	}
	if p.Reconnect.MaxDelayMS <= 0 {
		p.Reconnect.MaxDelayMS = int(DefaultMaxDelay / time.Millisecond)
	}
	if p.Reconnect.MaxAttempts <= 0 {
		p.Reconnect.MaxAttempts = DefaultReconnectTries
	}
	return p
}

// ResolvedHubURL returns hub_url, or the URL derived from api_base_url.
func (p Profile) ResolvedHubURL() string {
	if p.HubURL != "" {
		return p.HubURL
	}
	return HubURL(p.APIBaseURL)
}

// BaseDelay returns the first reconnect delay.
func (r Reconnect) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMS) * time.Millisecond
}

// MaxDelay returns the reconnect delay cap.
func (r Reconnect) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

// HubURL derives the chat hub endpoint from the REST base URL: a trailing
// "/api" is replaced by "/hubs/chat", otherwise "/hubs/chat" is appended.
func HubURL(apiBase string) string {
	base := strings.TrimRight(apiBase, "/")
	base = strings.TrimSuffix(base, "/api")
	return base + "/hubs/chat"
}
