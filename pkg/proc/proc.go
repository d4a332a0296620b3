// Package proc spawns, probes and terminates OS processes for swarm.
//
// Every child is started in its own session (Setsid) so it survives the
// command that launched it and so the whole tree can be signalled through
// its process group.
package proc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultGrace is the SIGTERM → SIGKILL window used when none is given.
const DefaultGrace = 5 * time.Second

// terminatePoll is the liveness poll cadence while waiting out the grace.
const terminatePoll = 100 * time.Millisecond

// Options describes a process to spawn.
type Options struct {
	Command []string
	Dir     string
	Env     map[string]string // merged over the current environment
	LogPath string            // stdout+stderr, appended; empty discards
}

// OS is the real process table. Its zero value is ready to use.
type OS struct {
	Grace time.Duration // 0 means DefaultGrace
}

// Spawn starts opts.Command detached from the caller and returns its pid.
// The child is reaped in the background so a long-lived caller does not
// accumulate zombies.
func (o OS) Spawn(opts Options) (int, error) {
	if len(opts.Command) == 0 {
		return 0, errors.New("spawn: empty command")
	}
	//nolint:gosec // command is supplied by the operator
	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = mergeEnv(os.Environ(), opts.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return start(cmd, opts.LogPath)
}

// Detach re-executes the running binary with args as a session leader
// writing to logPath, and returns the child's pid. Used to launch monitor
// processes that must outlive the CLI invocation.
func (o OS) Detach(args []string, logPath string) (int, error) {
	self, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolve executable: %w", err)
	}
	//nolint:gosec // re-exec of our own binary
	cmd := exec.Command(self, args...)
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return start(cmd, logPath)
}

func start(cmd *exec.Cmd, logPath string) (int, error) {
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer func() { _ = devNull.Close() }()
	cmd.Stdin = devNull

	var logFile *os.File
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
			return 0, fmt.Errorf("create log dir: %w", err)
		}
		//nolint:gosec // log path is derived from the swarm home
		logFile, err = os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return 0, fmt.Errorf("open log %s: %w", logPath, err)
		}
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return 0, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	// The child inherited the log fd; the parent's copy can go.
	if logFile != nil {
		_ = logFile.Close()
	}
	go func() { _ = cmd.Wait() }()
	return cmd.Process.Pid, nil
}

// mergeEnv overlays extra on base, replacing keys already present.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		k := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				k = kv[:i]
				break
			}
		}
		if _, overridden := extra[k]; !overridden {
			out = append(out, kv)
		}
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

// IsAlive reports whether pid exists. EPERM means it exists but belongs to
// someone else; ESRCH means it is gone.
func (OS) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Signal delivers sig to pid.
func (OS) Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("signal: invalid pid %d", pid)
	}
	if err := unix.Kill(pid, sig); err != nil {
		return fmt.Errorf("signal %d %v: %w", pid, sig, err)
	}
	return nil
}

// Terminate sends SIGTERM to pid's process group, waits up to the grace
// period, then sends SIGKILL. A pid that is already gone is not an error.
func (o OS) Terminate(pid int) error {
	if !o.IsAlive(pid) {
		return nil
	}
	grace := o.Grace
	if grace == 0 {
		grace = DefaultGrace
	}

	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		// Not a group leader; signal the process alone.
		if err := unix.Kill(pid, unix.SIGTERM); err != nil {
			if errors.Is(err, unix.ESRCH) {
				return nil
			}
			return fmt.Errorf("sigterm %d: %w", pid, err)
		}
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !o.IsAlive(pid) {
			return nil
		}
		time.Sleep(terminatePoll)
	}

	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("sigkill %d: %w", pid, err)
		}
	}
	return nil
}
