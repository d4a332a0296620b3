package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"swarm/internal/appversion"
)

// newRootCmd creates the root swarm command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "swarm",
		Short:         "Supervise long-running agent workers",
		Long:          "swarm spawns agent sessions in tmux or as background processes,\ntracks their liveness, nudges idle ones and restarts them in Ralph loops.",
		Version:       fmt.Sprintf("swarm %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newSpawnCmd(),
		newLsCmd(),
		newStatusCmd(),
		newSendCmd(),
		newKillCmd(),
		newCleanCmd(),
		newIdleCmd(),
		newHeartbeatCmd(),
		newRalphCmd(),
		newEventsCmd(),
	)

	return cmd
}
