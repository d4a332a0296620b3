package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"swarm/pkg/heartbeat"
	"swarm/pkg/protocol"
	"swarm/pkg/ralph"
	"swarm/pkg/spawn"
	"swarm/pkg/worker"
)

// spawnConfig holds the flags of swarm spawn.
type spawnConfig struct {
	name      string
	tmux      bool
	session   string
	cwd       string
	env       []string
	tags      []string
	worktree  bool
	branch    string
	readyWait bool
}

// newSpawnCmd creates the "swarm spawn" subcommand.
func newSpawnCmd() *cobra.Command {
	var cfg spawnConfig

	cmd := &cobra.Command{
		Use:   "spawn --name NAME [flags] -- COMMAND...",
		Short: "Start a worker in tmux or as a background process",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := parseEnv(cfg.env)
			if err != nil {
				return err
			}
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			log := startupLogFor(cmd.OutOrStdout())
			msg := fmt.Sprintf("starting %s", cfg.name)
			if cfg.readyWait {
				msg += " and waiting for its prompt"
			}
			done := log.StartSpinner(msg)
			w, err := a.spawner.Spawn(cmd.Context(), spawn.Options{
				Name:       cfg.name,
				Command:    args,
				WorkingDir: cfg.cwd,
				Env:        env,
				Tags:       cfg.tags,
				Tmux:       cfg.tmux,
				Session:    cfg.session,
				Worktree:   cfg.worktree,
				Branch:     cfg.branch,
				ReadyWait:  cfg.readyWait,
			})
			done(err)
			if err != nil {
				return err
			}
			if w.Worktree != nil {
				log.Stepf("worktree %s on branch %s", w.Worktree.Path, w.Worktree.Branch)
			}
			log.Stepf("%s running (%s)", w.Name, handle(*w))
			return nil
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&cfg.name, "name", "", "unique worker name (required)")
	cmd.Flags().BoolVar(&cfg.tmux, "tmux", false, "run in a tmux window instead of a background process")
	cmd.Flags().StringVar(&cfg.session, "session", "", "tmux session (default from config)")
	cmd.Flags().StringVar(&cfg.cwd, "cwd", "", "working directory (default: current)")
	cmd.Flags().StringArrayVar(&cfg.env, "env", nil, "environment variable K=V (repeatable)")
	cmd.Flags().StringArrayVar(&cfg.tags, "tag", nil, "label (repeatable)")
	cmd.Flags().BoolVar(&cfg.worktree, "worktree", false, "run in a new git worktree")
	cmd.Flags().StringVar(&cfg.branch, "branch", "", "worktree branch (default swarm/NAME)")
	cmd.Flags().BoolVar(&cfg.readyWait, "ready-wait", false, "wait for the agent prompt before returning (tmux only)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// parseEnv turns K=V pairs into a map.
func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, protocol.Configf("env", "%q is not K=V", p)
		}
		env[k] = v
	}
	return env, nil
}

// lsConfig holds the flags of swarm ls.
type lsConfig struct {
	tag    string
	status string
	json   bool
}

// newLsCmd creates the "swarm ls" subcommand.
func newLsCmd() *cobra.Command {
	var cfg lsConfig

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List workers, re-probing their liveness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.status != "" && cfg.status != string(worker.StatusRunning) && cfg.status != string(worker.StatusStopped) {
				return protocol.Configf("status", "%q is not running or stopped", cfg.status)
			}
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			workers, warning, err := a.prober.Refresh(cmd.Context(), a.workers)
			if warning != "" {
				warnf("%s", warning)
			}
			if err != nil {
				return err
			}
			workers = filterWorkers(workers, cfg.tag, worker.Status(cfg.status))

			out := cmd.OutOrStdout()
			if cfg.json {
				return writeJSON(out, workers)
			}
			if len(workers) == 0 {
				fmt.Fprintln(out, "no workers")
				return nil
			}
			rows := make([]row, 0, len(workers))
			now := time.Now()
			for _, w := range workers {
				hb, _ := a.hbStates.Load(w.Name)
				rl, _ := a.ralphStates.Load(w.Name)
				rows = append(rows, workerRow(w, hb, rl, now))
			}
			renderTable(out, rows, newStyles(isTerminal(out)))
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.tag, "tag", "", "only workers with this tag")
	cmd.Flags().StringVar(&cfg.status, "status", "", "only running or stopped workers")
	cmd.Flags().BoolVar(&cfg.json, "json", false, "print JSON")
	return cmd
}

func filterWorkers(ws []worker.Worker, tag string, status worker.Status) []worker.Worker {
	out := ws[:0:0]
	for _, w := range ws {
		if tag != "" && !w.Tags.Has(tag) {
			continue
		}
		if status != "" && w.Status != status {
			continue
		}
		out = append(out, w)
	}
	return out
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newStatusCmd creates the "swarm status" subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status NAME",
		Short: "Show one worker with its heartbeat and Ralph loop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			workers, warning, err := a.prober.Refresh(cmd.Context(), a.workers)
			if warning != "" {
				warnf("%s", warning)
			}
			if err != nil {
				return err
			}
			var w *worker.Worker
			for i := range workers {
				if workers[i].Name == args[0] {
					w = &workers[i]
				}
			}
			if w == nil {
				return protocol.ConfigWrap("worker", worker.ErrNotFound, "no worker named %s", args[0])
			}
			hb, _ := a.hbStates.Load(w.Name)
			rl, _ := a.ralphStates.Load(w.Name)
			printStatus(cmd.OutOrStdout(), *w, hb, rl, a.ralphStates.LogPath(w.Name), time.Now())
			return nil
		},
	}
}

func printStatus(out io.Writer, w worker.Worker, hb *heartbeat.State, rl *ralph.State, logPath string, now time.Time) {
	fmt.Fprintf(out, "name:     %s\n", w.Name)
	fmt.Fprintf(out, "status:   %s\n", w.Status)
	fmt.Fprintf(out, "handle:   %s\n", handle(w))
	fmt.Fprintf(out, "command:  %s\n", strings.Join(w.Command, " "))
	fmt.Fprintf(out, "cwd:      %s\n", w.WorkingDir)
	fmt.Fprintf(out, "started:  %s (%s ago)\n", w.StartedAt.Local().Format(time.DateTime), humanAge(now.Sub(w.StartedAt)))
	if tags := w.Tags.List(); len(tags) > 0 {
		fmt.Fprintf(out, "tags:     %s\n", strings.Join(tags, ", "))
	}
	if w.Worktree != nil {
		fmt.Fprintf(out, "worktree: %s (%s)\n", w.Worktree.Path, w.Worktree.Branch)
	}
	if hb != nil {
		fmt.Fprintf(out, "heartbeat: %s every %s, %d beats", hb.Status, hb.Interval(), hb.BeatCount)
		if next, ok := heartbeat.NextBeatAt(*hb); ok {
			fmt.Fprintf(out, ", next in %s", humanAge(next.Sub(now)))
		}
		fmt.Fprintln(out)
	}
	if rl != nil {
		fmt.Fprintf(out, "ralph:    %s, iteration %d/%d, %d failures (%d consecutive)\n",
			rl.Status, rl.CurrentIteration, rl.MaxIterations, rl.TotalFailures, rl.ConsecutiveFailures)
		if lines, err := ralph.Tail(logPath, 5); err == nil {
			for _, l := range lines {
				fmt.Fprintf(out, "  %s\n", l)
			}
		}
	}
}

// newSendCmd creates the "swarm send" subcommand.
func newSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send NAME TEXT...",
		Short: "Type text into a tmux worker and press Enter",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.spawner.Send(cmd.Context(), args[0], strings.Join(args[1:], " ")); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent to %s\n", args[0])
			return nil
		},
	}
}

// killConfig holds the flags of swarm kill.
type killConfig struct {
	rm         bool
	rmWorktree bool
}

// newKillCmd creates the "swarm kill" subcommand.
func newKillCmd() *cobra.Command {
	var cfg killConfig

	cmd := &cobra.Command{
		Use:   "kill NAME",
		Short: "Stop a worker, its heartbeat and its Ralph loop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return killWorker(cmd, a, args[0], cfg)
		},
	}
	cmd.Flags().BoolVar(&cfg.rm, "rm", false, "also remove the record and its heartbeat/ralph state")
	cmd.Flags().BoolVar(&cfg.rmWorktree, "rm-worktree", false, "also remove the worker's git worktree")
	return cmd
}

func killWorker(cmd *cobra.Command, a *app, name string, cfg killConfig) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	// End the loop first so the controller does not respawn the worker.
	if err := a.ralph.OnWorkerKilled(ctx, name); err != nil {
		warnf("ralph: %v", err)
	}
	if hb, err := a.hbStates.Load(name); err == nil && hb != nil && !hb.Status.Terminal() {
		if _, err := a.heartbeats.Stop(name); err != nil {
			warnf("heartbeat: %v", err)
		}
	}

	w, err := a.spawner.Kill(ctx, name, spawn.KillOptions{Remove: cfg.rm, RemoveWorktree: cfg.rmWorktree})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "killed %s (%s)\n", w.Name, handle(*w))
	if cfg.rm {
		if err := a.heartbeats.Remove(name); err != nil {
			warnf("heartbeat: %v", err)
		}
		if err := a.ralph.Remove(ctx, name); err != nil {
			warnf("ralph: %v", err)
		}
		fmt.Fprintf(out, "removed %s\n", name)
	}
	return nil
}

// newCleanCmd creates the "swarm clean" subcommand.
func newCleanCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove stopped workers and their heartbeat/ralph state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			workers, warning, err := a.prober.Refresh(ctx, a.workers)
			if warning != "" {
				warnf("%s", warning)
			}
			if err != nil {
				return err
			}
			removed := 0
			repos := map[string]bool{}
			for _, w := range workers {
				if w.Status != worker.StatusStopped {
					continue
				}
				if rl, _ := a.ralphStates.Load(w.Name); rl != nil && !rl.Status.Terminal() {
					continue // between iterations
				}
				if err := a.spawner.Remove(ctx, w.Name, all); err != nil {
					warnf("remove %s: %v", w.Name, err)
					continue
				}
				if err := a.heartbeats.Remove(w.Name); err != nil {
					warnf("heartbeat: %v", err)
				}
				if err := a.ralph.Remove(ctx, w.Name); err != nil {
					warnf("ralph: %v", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", w.Name)
				removed++
				if all && w.Worktree != nil {
					repos[w.Worktree.BaseRepo] = true
				}
			}
			for repo := range repos {
				if err := a.trees.Prune(ctx, repo); err != nil {
					warnf("%v", err)
				}
			}
			if removed == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to clean")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "also remove the git worktrees of cleaned workers")
	return cmd
}
