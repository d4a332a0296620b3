package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"swarm/pkg/heartbeat"
	"swarm/pkg/inactivity"
	"swarm/pkg/protocol"
	"swarm/pkg/spawn"
	"swarm/pkg/worker"
)

// idleConfig holds the flags of swarm idle.
type idleConfig struct {
	timeout string
	mode    string
}

// newIdleCmd creates the "swarm idle" subcommand. It blocks for up to
// --timeout and exits non-zero as soon as the pane shows activity.
func newIdleCmd() *cobra.Command {
	var cfg idleConfig

	cmd := &cobra.Command{
		Use:   "idle NAME",
		Short: "Check whether a tmux worker stays idle for a while",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, err := heartbeat.ParseDuration(cfg.timeout)
			if err != nil {
				return protocol.Configf("timeout", "%v", err)
			}
			mode, err := inactivity.ParseMode(cfg.mode)
			if err != nil {
				return protocol.Configf("mode", "%v", err)
			}
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.loadWorkers(); err != nil {
				return err
			}
			w, ok := a.workers.Get(args[0])
			if !ok {
				return protocol.ConfigWrap("worker", worker.ErrNotFound, "no worker named %s", args[0])
			}
			if w.Tmux == nil {
				return protocol.ConfigWrap("worker", spawn.ErrNotTerminal, "%s is a process worker", w.Name)
			}
			patterns, err := a.cfg.CompileReadyPatterns()
			if err != nil {
				return err
			}

			d := inactivity.NewDetector(a.tmux, patterns, a.cfg.InactivityPoll)
			if !d.Detect(cmd.Context(), w, timeout, mode) {
				return fmt.Errorf("%s is active", w.Name)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s idle for %s (%s)\n", w.Name, timeout, mode)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.timeout, "timeout", "30s", "how long the pane must stay idle")
	cmd.Flags().StringVar(&cfg.mode, "mode", string(inactivity.ModeOutput), "output, ready or both")
	return cmd
}
