// Package main implements swarm-dash, a live terminal view of swarm workers,
// their heartbeats and their Ralph loops.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"swarm/internal/appversion"
	"swarm/pkg/config"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "swarm-dash: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:           "swarm-dash",
		Short:         "Live dashboard of swarm workers",
		Version:       fmt.Sprintf("swarm-dash %s", appversion.String()),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Resolve()
			if err != nil {
				return err
			}
			src, err := newStateSource(cfg)
			if err != nil {
				return err
			}
			if asJSON {
				return robotMode(cmd, src)
			}
			watcher := initWatcher(cfg.Home, filepath.Dir(cfg.StateFile), cfg.HeartbeatsDir, cfg.RalphDir)
			if watcher != nil {
				defer func() { _ = watcher.Close() }()
			}
			p := tea.NewProgram(newModel(src, watcher), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("run dashboard: %w", err)
			}
			return nil
		},
	}
	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one snapshot as JSON and exit")
	return cmd
}

// robotMode prints a single snapshot for scripts.
func robotMode(cmd *cobra.Command, src source) error {
	snap, err := src.Snapshot(cmd.Context(), time.Now())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return nil
}
