package protocol

// Directory and file names used throughout swarm.
const (
	// SwarmDir is the user-level state directory (e.g., ~/.swarm).
	SwarmDir = ".swarm"

	// StateFile holds the shared worker record set.
	StateFile = "state.json"

	// HeartbeatsDir holds one HeartbeatState file per worker.
	HeartbeatsDir = "heartbeats"

	// RalphDir holds one directory per Ralph-supervised worker.
	RalphDir = "ralph"

	// LogsDir holds worker stdout logs and detached monitor logs.
	LogsDir = "logs"

	// EventsDB is the SQLite event mirror.
	EventsDB = "events.db"

	// ConfigTOML and ConfigYAML are the optional tunables files; TOML wins.
	ConfigTOML = "config.toml"
	ConfigYAML = "config.yaml"

	// LockSuffix is appended to a shared file's path to form its lock path.
	LockSuffix = ".lock"

	// WorktreesDir is the directory where git worktrees are created.
	WorktreesDir = ".worktrees"

	// BranchPrefix is the git branch prefix for worker worktrees.
	BranchPrefix = "swarm/"
)

// MaxConsecutiveFailures is the number of back-to-back spawn failures after
// which a Ralph loop is marked failed.
const MaxConsecutiveFailures = 5
