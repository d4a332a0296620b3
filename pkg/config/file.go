package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"swarm/pkg/protocol"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk shape of config.toml / config.yaml.
// Durations are Go duration strings ("30s", "1m30s").
type fileConfig struct {
	TmuxSocket     string   `toml:"tmux_socket" yaml:"tmux_socket"`
	DefaultSession string   `toml:"default_session" yaml:"default_session"`
	HeartbeatTick  string   `toml:"heartbeat_tick" yaml:"heartbeat_tick"`
	RalphPoll      string   `toml:"ralph_poll" yaml:"ralph_poll"`
	InactivityPoll string   `toml:"inactivity_poll" yaml:"inactivity_poll"`
	ReadyTimeout   string   `toml:"ready_timeout" yaml:"ready_timeout"`
	KillGrace      string   `toml:"kill_grace" yaml:"kill_grace"`
	ReadyPatterns  []string `toml:"ready_patterns" yaml:"ready_patterns"`
}

// loadFile applies $SWARM_HOME/config.toml, or config.yaml when no TOML file
// exists. A missing file is not an error; a malformed one is.
func (c *Config) loadFile() error {
	fc, path, err := readFileConfig(c.Home)
	if err != nil || fc == nil {
		return err
	}
	if err := c.apply(fc); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

func readFileConfig(home string) (*fileConfig, string, error) {
	tomlPath := filepath.Join(home, protocol.ConfigTOML)
	//nolint:gosec // path is derived from SWARM_HOME
	data, err := os.ReadFile(tomlPath)
	if err == nil {
		var fc fileConfig
		if err := toml.Unmarshal(data, &fc); err != nil {
			return nil, tomlPath, fmt.Errorf("parse %s: %w", tomlPath, err)
		}
		return &fc, tomlPath, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, tomlPath, fmt.Errorf("read %s: %w", tomlPath, err)
	}

	yamlPath := filepath.Join(home, protocol.ConfigYAML)
	//nolint:gosec // path is derived from SWARM_HOME
	data, err = os.ReadFile(yamlPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", nil
	}
	if err != nil {
		return nil, yamlPath, fmt.Errorf("read %s: %w", yamlPath, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, yamlPath, fmt.Errorf("parse %s: %w", yamlPath, err)
	}
	return &fc, yamlPath, nil
}

func (c *Config) apply(fc *fileConfig) error {
	if fc.TmuxSocket != "" {
		c.TmuxSocket = fc.TmuxSocket
	}
	if fc.DefaultSession != "" {
		c.DefaultSession = fc.DefaultSession
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"heartbeat_tick", fc.HeartbeatTick, &c.HeartbeatTick},
		{"ralph_poll", fc.RalphPoll, &c.RalphPoll},
		{"inactivity_poll", fc.InactivityPoll, &c.InactivityPoll},
		{"ready_timeout", fc.ReadyTimeout, &c.ReadyTimeout},
		{"kill_grace", fc.KillGrace, &c.KillGrace},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil || v <= 0 {
			return protocol.Configf(d.key, "%q is not a positive duration", d.raw)
		}
		*d.dst = v
	}
	if len(fc.ReadyPatterns) > 0 {
		c.ReadyPatterns = append([]string(nil), fc.ReadyPatterns...)
	}
	if _, err := c.CompileReadyPatterns(); err != nil {
		return err
	}
	return nil
}
