// Package config resolves swarm's state paths and tunables.
//
// A Config is built once per process by Resolve and passed to every
// component constructor; nothing in swarm reads paths from globals.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"swarm/pkg/protocol"
)

// DefaultReadyPatterns are the built-in "agent is idle / waiting for input"
// signatures, tested in order against captured pane text. The list is tuned
// to specific agent CLIs and is expected to grow; override it with
// ready_patterns in the config file.
var DefaultReadyPatterns = []string{
	`(?m)^\s*[>❯]\s*$`,                 // bare prompt character on its own line
	`(?m)^\s*[>❯]\s`,                   // prompt character at line start
	`bypass permissions`,               // claude --dangerously-skip-permissions status line
	`\? for shortcuts`,                 // claude input hint
	`(?m)^(>>>|In \[\d+\]:)\s*$`,       // python / ipython REPL
	`(?m)^[\w.@:~/-]*[$%#]\s*$`,        // shell prompt
	`(?i)waiting for (your )?input`,    // generic agent banner
}

// Config holds all resolved swarm paths and tunables.
type Config struct {
	Home          string // ~/.swarm or SWARM_HOME
	StateFile     string // state.json or SWARM_STATE_FILE
	HeartbeatsDir string // heartbeats/
	RalphDir      string // ralph/
	LogsDir       string // logs/
	EventsDB      string // events.db or SWARM_EVENTS_DB

	TmuxSocket     string        // tmux -L socket; empty means the default server
	DefaultSession string        // tmux session for --tmux workers without --session
	HeartbeatTick  time.Duration // heartbeat monitor wake interval
	RalphPoll      time.Duration // ralph controller poll cadence while a worker runs
	InactivityPoll time.Duration // capture cadence for Detect
	ReadyTimeout   time.Duration // how long to wait for an agent prompt before injecting
	KillGrace      time.Duration // SIGTERM → SIGKILL escalation window
	ReadyPatterns  []string
}

// Default returns a Config rooted at home with built-in tunables.
func Default(home string) *Config {
	return &Config{
		Home:           home,
		StateFile:      filepath.Join(home, protocol.StateFile),
		HeartbeatsDir:  filepath.Join(home, protocol.HeartbeatsDir),
		RalphDir:       filepath.Join(home, protocol.RalphDir),
		LogsDir:        filepath.Join(home, protocol.LogsDir),
		EventsDB:       filepath.Join(home, protocol.EventsDB),
		DefaultSession: "swarm",
		HeartbeatTick:  30 * time.Second,
		RalphPoll:      time.Second,
		InactivityPoll: 500 * time.Millisecond,
		ReadyTimeout:   60 * time.Second,
		KillGrace:      5 * time.Second,
		ReadyPatterns:  append([]string(nil), DefaultReadyPatterns...),
	}
}

// Resolve returns the Config for this process, respecting env var overrides
// and the optional config file.
// Environment variables:
//   - SWARM_HOME: base directory for all swarm state (default: ~/.swarm)
//   - SWARM_STATE_FILE: worker state file (default: $SWARM_HOME/state.json)
//   - SWARM_EVENTS_DB: event mirror database (default: $SWARM_HOME/events.db)
//   - SWARM_TMUX_SOCKET: tmux -L socket name (overrides the config file)
func Resolve() (*Config, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}

	cfg := Default(home)
	if err := cfg.loadFile(); err != nil {
		return nil, err
	}

	cfg.StateFile = resolvePathWithEnv("SWARM_STATE_FILE", cfg.StateFile)
	cfg.EventsDB = resolvePathWithEnv("SWARM_EVENTS_DB", cfg.EventsDB)
	if v := os.Getenv("SWARM_TMUX_SOCKET"); v != "" {
		cfg.TmuxSocket = v
	}
	return cfg, nil
}

// resolveHome returns the swarm home directory from SWARM_HOME or ~/.swarm.
func resolveHome() (string, error) {
	if v := os.Getenv("SWARM_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.SwarmDir), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise def.
func resolvePathWithEnv(envKey, def string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return def
}

// EnsureDirs creates the state directory tree.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Home, filepath.Dir(c.StateFile), c.HeartbeatsDir, c.RalphDir, c.LogsDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// WorkerLog returns the stdout/stderr log for a process-mode worker.
func (c *Config) WorkerLog(name string) string {
	return filepath.Join(c.LogsDir, name+".stdout.log")
}

// MonitorLog returns the log file of a detached monitor, e.g. kind "ralph".
func (c *Config) MonitorLog(kind, name string) string {
	return filepath.Join(c.LogsDir, kind+"-"+name+".log")
}

// CompileReadyPatterns compiles ReadyPatterns in order.
func (c *Config) CompileReadyPatterns() ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(c.ReadyPatterns))
	for _, p := range c.ReadyPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("ready pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
