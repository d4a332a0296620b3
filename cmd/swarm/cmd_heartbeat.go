package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"swarm/pkg/heartbeat"
	"swarm/pkg/telemetry"
)

// heartbeatStartConfig holds the flags of swarm heartbeat start.
type heartbeatStartConfig struct {
	interval string
	expire   string
	message  string
	force    bool
}

// newHeartbeatCmd creates the "swarm heartbeat" command group.
func newHeartbeatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Nudge an idle tmux worker on a schedule",
	}
	cmd.AddCommand(
		newHeartbeatStartCmd(),
		newHeartbeatStopCmd(),
		newHeartbeatPauseCmd(),
		newHeartbeatResumeCmd(),
		newHeartbeatStatusCmd(),
		newHeartbeatListCmd(),
		newHeartbeatRunCmd(),
	)
	return cmd
}

func newHeartbeatStartCmd() *cobra.Command {
	var cfg heartbeatStartConfig
	cmd := &cobra.Command{
		Use:   "start NAME --interval DURATION",
		Short: "Start a heartbeat monitor for a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			st, err := a.heartbeats.Start(cmd.Context(), heartbeat.StartOptions{
				Worker:   args[0],
				Interval: cfg.interval,
				Expire:   cfg.expire,
				Message:  cfg.message,
				Force:    cfg.force,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "heartbeat for %s every %s (monitor pid %d)\n", st.WorkerName, st.Interval(), st.MonitorPID)
			if st.ExpireAt != nil {
				fmt.Fprintf(out, "expires %s\n", st.ExpireAt.Local().Format(time.DateTime))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.interval, "interval", "", "time between nudges, e.g. 30m, 4h, 1d (required)")
	cmd.Flags().StringVar(&cfg.expire, "expire", "", "stop after this long")
	cmd.Flags().StringVar(&cfg.message, "message", heartbeat.DefaultMessage, "text to inject")
	cmd.Flags().BoolVar(&cfg.force, "force", false, "replace an existing heartbeat")
	_ = cmd.MarkFlagRequired("interval")
	return cmd
}

func newHeartbeatStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop NAME",
		Short: "Stop a heartbeat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			if _, err := a.heartbeats.Stop(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "heartbeat for %s stopped\n", args[0])
			return nil
		},
	}
}

func newHeartbeatPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause NAME",
		Short: "Pause a heartbeat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			warning, err := a.heartbeats.Pause(args[0])
			if err != nil {
				return err
			}
			if warning != "" {
				warnf("%s", warning)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "heartbeat for %s paused\n", args[0])
			return nil
		},
	}
}

func newHeartbeatResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume NAME",
		Short: "Resume a paused heartbeat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			warning, err := a.heartbeats.Resume(args[0])
			if err != nil {
				return err
			}
			if warning != "" {
				warnf("%s", warning)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "heartbeat for %s resumed\n", args[0])
			return nil
		},
	}
}

func newHeartbeatStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status NAME",
		Short: "Show a heartbeat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			st, err := a.heartbeats.Status(args[0])
			if err != nil {
				return err
			}
			printHeartbeat(cmd.OutOrStdout(), *st, time.Now())
			return nil
		},
	}
}

func printHeartbeat(out io.Writer, st heartbeat.State, now time.Time) {
	fmt.Fprintf(out, "worker:    %s\n", st.WorkerName)
	fmt.Fprintf(out, "status:    %s\n", st.Status)
	fmt.Fprintf(out, "interval:  %s\n", st.Interval())
	fmt.Fprintf(out, "message:   %q\n", st.Message)
	fmt.Fprintf(out, "beats:     %d\n", st.BeatCount)
	if st.LastBeatAt != nil {
		fmt.Fprintf(out, "last beat: %s (%s ago)\n", st.LastBeatAt.Local().Format(time.DateTime), humanAge(now.Sub(*st.LastBeatAt)))
	}
	if next, ok := heartbeat.NextBeatAt(st); ok {
		fmt.Fprintf(out, "next beat: %s (in %s)\n", next.Local().Format(time.DateTime), humanAge(next.Sub(now)))
	}
	if st.ExpireAt != nil {
		fmt.Fprintf(out, "expires:   %s\n", st.ExpireAt.Local().Format(time.DateTime))
	}
	if st.MonitorPID > 0 {
		fmt.Fprintf(out, "monitor:   pid %d\n", st.MonitorPID)
	}
}

func newHeartbeatListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List heartbeats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			states, err := a.heartbeats.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(states) == 0 {
				fmt.Fprintln(out, "no heartbeats")
				return nil
			}
			now := time.Now()
			for _, st := range states {
				next := "-"
				if t, ok := heartbeat.NextBeatAt(st); ok {
					next = "in " + humanAge(t.Sub(now))
				}
				fmt.Fprintf(out, "%-20s %-8s every %-8s beats %-4d next %s\n",
					st.WorkerName, st.Status, st.Interval(), st.BeatCount, next)
			}
			return nil
		},
	}
}

// newHeartbeatRunCmd is the entry point of a detached monitor process.
func newHeartbeatRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "run NAME",
		Short:  "Run a heartbeat monitor in the foreground",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			logger := log.New(os.Stderr, fmt.Sprintf("[heartbeat %s] ", name), log.LstdFlags)
			tp, err := telemetry.Setup(ctx, "heartbeat")
			if err != nil {
				logger.Printf("tracing disabled: %v", err)
			}
			defer shutdownTelemetry(tp, logger)

			m := heartbeat.NewMonitor(name, heartbeat.MonitorDeps{
				States:  a.hbStates,
				Workers: a.workers,
				Prober:  a.prober,
				Panes:   a.tmux,
				Events:  a.events,
				Tracer:  tp.Tracer(),
				Logger:  logger,
				Tick:    a.cfg.HeartbeatTick,
			})
			return m.Run(ctx)
		},
	}
}

func shutdownTelemetry(tp *telemetry.Provider, logger *log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(ctx); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}
}
