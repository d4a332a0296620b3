// Package tmux drives the tmux server on behalf of swarm workers: window
// creation, literal text injection, pane capture and teardown.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ErrNotReady is returned by WaitForReady when no ready pattern shows up
// before the timeout.
var ErrNotReady = errors.New("pane not ready")

// ErrNoWindow is returned when a pane's window does not exist.
var ErrNoWindow = errors.New("no such window")

// pollInterval is the time between capture-pane readiness checks.
const pollInterval = 500 * time.Millisecond

// pasteSettle is the delay between pasting text and pressing Enter.
// Agent TUIs need a moment to absorb a bracketed paste before Enter.
const pasteSettle = 300 * time.Millisecond

// Pane identifies a worker's window on a tmux server.
type Pane struct {
	Session string `json:"session"`
	Window  string `json:"window"`
	Socket  string `json:"socket,omitempty"` // -L socket; empty means the client's
}

// Target returns "session:window" for display. Commands address the
// window by id instead.
func (p Pane) Target() string {
	return p.Session + ":" + p.Window
}

// Client runs tmux commands. Socket is the -L server used for panes that
// do not name their own.
type Client struct {
	Socket        string
	Runner        CmdRunner
	Sleeper       func(time.Duration) // optional; overrides time.Sleep for testing
	ReadyPatterns []*regexp.Regexp
}

// New creates a Client for socket with the default ExecRunner.
func New(socket string, readyPatterns []*regexp.Regexp) *Client {
	return &Client{Socket: socket, Runner: &ExecRunner{}, ReadyPatterns: readyPatterns}
}

func (c *Client) run(ctx context.Context, socket string, args ...string) (string, error) {
	if socket == "" {
		socket = c.Socket
	}
	if socket != "" {
		args = append([]string{"-L", socket}, args...)
	}
	return c.Runner.Run(ctx, "tmux", args...)
}

func (c *Client) sleep(d time.Duration) {
	if c.Sleeper != nil {
		c.Sleeper(d)
		return
	}
	time.Sleep(d)
}

// SessionExists reports whether the named session is running. A missing
// server counts as a missing session.
func (c *Client) SessionExists(ctx context.Context, p Pane) bool {
	_, err := c.run(ctx, p.Socket, "has-session", "-t", "="+p.Session)
	return err == nil
}

// WindowExists reports whether p's session has a window named p.Window.
func (c *Client) WindowExists(ctx context.Context, p Pane) (bool, error) {
	id, err := c.windowID(ctx, p)
	return id != "", err
}

// windowID returns the server-unique id (@N) of the window named exactly
// p.Window, or "" when there is none. Commands address windows by id:
// "session:name" targets read dots as a pane separator and bare digits as
// a window index.
func (c *Client) windowID(ctx context.Context, p Pane) (string, error) {
	if !c.SessionExists(ctx, p) {
		return "", nil
	}
	out, err := c.run(ctx, p.Socket, "list-windows", "-t", "="+p.Session, "-F", "#{window_id} #{window_name}")
	if err != nil {
		return "", fmt.Errorf("tmux list-windows: %w", err)
	}
	for _, line := range strings.Split(out, "\n") {
		id, name, ok := strings.Cut(strings.TrimSpace(line), " ")
		if ok && name == p.Window {
			return id, nil
		}
	}
	return "", nil
}

// target resolves p to its window id, failing when the window is gone.
func (c *Client) target(ctx context.Context, p Pane) (string, error) {
	id, err := c.windowID(ctx, p)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("%w: %s", ErrNoWindow, p.Target())
	}
	return id, nil
}

// NewWindow starts command in a new window p.Window, creating p.Session if
// it does not exist yet. env entries are exported into the window's process
// only.
func (c *Client) NewWindow(ctx context.Context, p Pane, cwd string, env map[string]string, command []string) error {
	if len(command) == 0 {
		return errors.New("tmux new-window: empty command")
	}
	var args []string
	if c.SessionExists(ctx, p) {
		args = []string{"new-window", "-d", "-t", "=" + p.Session + ":", "-n", p.Window}
	} else {
		args = []string{"new-session", "-d", "-s", p.Session, "-n", p.Window}
	}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	args = append(args, execCommand(env, command))
	if _, err := c.run(ctx, p.Socket, args...); err != nil {
		return fmt.Errorf("tmux %s: %w", args[0], err)
	}
	return nil
}

// execCommand builds a shell command line that replaces the window's shell
// with command, so the pane dies when the command exits.
func execCommand(env map[string]string, command []string) string {
	var b strings.Builder
	b.WriteString("exec")
	if len(env) > 0 {
		b.WriteString(" env")
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(" ")
			b.WriteString(shellQuote(k + "=" + env[k]))
		}
	}
	for _, arg := range command {
		b.WriteString(" ")
		b.WriteString(shellQuote(arg))
	}
	return b.String()
}

// shellQuote wraps s in single quotes when it contains anything but safe
// characters.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,@%+", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// SendText pastes text into p literally and presses Enter. Text goes
// through a named buffer with bracketed paste so embedded newlines do not
// submit early; Enter is retried.
func (c *Client) SendText(ctx context.Context, p Pane, text string) error {
	target, err := c.target(ctx, p)
	if err != nil {
		return err
	}
	buf := "swarm-" + p.Session + "-" + p.Window
	if _, err := c.run(ctx, p.Socket, "set-buffer", "-b", buf, "--", text); err != nil {
		return fmt.Errorf("tmux set-buffer: %w", err)
	}
	if _, err := c.run(ctx, p.Socket, "paste-buffer", "-p", "-d", "-b", buf, "-t", target); err != nil {
		return fmt.Errorf("tmux paste-buffer to %s: %w", p.Target(), err)
	}
	c.sleep(pasteSettle)

	var lastErr error
	for attempt := range 3 {
		if attempt > 0 {
			c.sleep(200 * time.Millisecond)
		}
		if _, err := c.run(ctx, p.Socket, "send-keys", "-t", target, "Enter"); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("send Enter to %s after 3 attempts: %w", p.Target(), lastErr)
}

// CapturePane returns the visible contents of p.
func (c *Client) CapturePane(ctx context.Context, p Pane) (string, error) {
	target, err := c.target(ctx, p)
	if err != nil {
		return "", err
	}
	out, err := c.run(ctx, p.Socket, "capture-pane", "-p", "-J", "-t", target)
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane %s: %w", p.Target(), err)
	}
	return out, nil
}

// LastLine returns the last non-empty line of p.
func (c *Client) LastLine(ctx context.Context, p Pane) (string, error) {
	out, err := c.CapturePane(ctx, p)
	if err != nil {
		return "", err
	}
	return LastNonEmptyLine(out), nil
}

// LastNonEmptyLine returns the last line of s that is not blank, trimmed.
func LastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// KillWindow destroys p's window. A window that is already gone is not an
// error.
func (c *Client) KillWindow(ctx context.Context, p Pane) error {
	id, err := c.windowID(ctx, p)
	if err != nil {
		return err
	}
	if id == "" {
		return nil
	}
	if _, err := c.run(ctx, p.Socket, "kill-window", "-t", id); err != nil {
		return fmt.Errorf("tmux kill-window: %w", err)
	}
	return nil
}

// MatchesReady reports whether content contains any configured ready pattern.
func (c *Client) MatchesReady(content string) bool {
	for _, re := range c.ReadyPatterns {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}

// WaitForReady polls p until a ready pattern appears or timeout elapses.
func (c *Client) WaitForReady(ctx context.Context, p Pane, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		out, err := c.CapturePane(ctx, p)
		if err == nil && c.MatchesReady(out) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s after %v", ErrNotReady, p.Target(), timeout)
		}
		c.sleep(pollInterval)
	}
}
