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

	"swarm/pkg/ralph"
	"swarm/pkg/telemetry"
)

// ralphStartConfig holds the flags of swarm ralph start.
type ralphStartConfig struct {
	promptFile        string
	maxIterations     int
	donePattern       string
	inactivityTimeout string
	inactivityMode    string
	session           string
	cwd               string
	env               []string
	tags              []string
	foreground        bool
}

// newRalphCmd creates the "swarm ralph" command group.
func newRalphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ralph",
		Short: "Restart a tmux agent with the same prompt until it is done",
	}
	cmd.AddCommand(
		newRalphStartCmd(),
		newRalphPauseCmd(),
		newRalphResumeCmd(),
		newRalphStopCmd(),
		newRalphStatusCmd(),
		newRalphListCmd(),
		newRalphLogsCmd(),
		newRalphRunCmd(),
	)
	return cmd
}

func newRalphStartCmd() *cobra.Command {
	var cfg ralphStartConfig
	cmd := &cobra.Command{
		Use:   "start NAME --prompt-file FILE --max-iterations N [flags] -- COMMAND...",
		Short: "Start a Ralph loop",
		Args:  cobra.MinimumNArgs(2),
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

			name := args[0]
			progress := startupLogFor(cmd.OutOrStdout())
			st, err := a.ralph.Start(cmd.Context(), ralph.StartOptions{
				Worker:            name,
				Command:           args[1:],
				WorkingDir:        cfg.cwd,
				Env:               env,
				Tags:              cfg.tags,
				Session:           cfg.session,
				PromptFile:        cfg.promptFile,
				MaxIterations:     cfg.maxIterations,
				DonePattern:       cfg.donePattern,
				InactivityTimeout: cfg.inactivityTimeout,
				InactivityMode:    cfg.inactivityMode,
				Foreground:        cfg.foreground,
			})
			if err != nil {
				return err
			}
			progress.Stepf("loop %s registered (run %s)", name, st.RunID)
			progress.Stepf("up to %d iterations, %s inactivity after %s", st.MaxIterations, st.InactivityMode, st.InactivityTimeout())
			if !cfg.foreground {
				progress.Stepf("controller running (pid %d), log %s", st.MonitorPID, a.cfg.MonitorLog("ralph", name))
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			logger := log.New(cmd.ErrOrStderr(), fmt.Sprintf("[ralph %s] ", name), log.LstdFlags)
			return runController(ctx, a, name, logger)
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&cfg.promptFile, "prompt-file", "", "prompt injected at every iteration (required)")
	cmd.Flags().IntVar(&cfg.maxIterations, "max-iterations", 0, "iteration budget (required)")
	cmd.Flags().StringVar(&cfg.donePattern, "done-pattern", "", "regexp that ends the loop when it appears in the pane")
	cmd.Flags().StringVar(&cfg.inactivityTimeout, "inactivity-timeout", "60s", "restart after this long idle")
	cmd.Flags().StringVar(&cfg.inactivityMode, "inactivity-mode", string(ralph.DefaultInactivityMode), "output, ready or both")
	cmd.Flags().StringVar(&cfg.session, "session", "", "tmux session (default from config)")
	cmd.Flags().StringVar(&cfg.cwd, "cwd", "", "working directory (default: current)")
	cmd.Flags().StringArrayVar(&cfg.env, "env", nil, "environment variable K=V (repeatable)")
	cmd.Flags().StringArrayVar(&cfg.tags, "tag", nil, "label (repeatable)")
	cmd.Flags().BoolVar(&cfg.foreground, "foreground", false, "run the controller in this process")
	_ = cmd.MarkFlagRequired("prompt-file")
	_ = cmd.MarkFlagRequired("max-iterations")
	return cmd
}

// runController runs the loop for name until it leaves the running state.
func runController(ctx context.Context, a *app, name string, logger *log.Logger) error {
	tp, err := telemetry.Setup(ctx, "ralph")
	if err != nil {
		logger.Printf("tracing disabled: %v", err)
	}
	defer shutdownTelemetry(tp, logger)

	patterns, err := a.cfg.CompileReadyPatterns()
	if err != nil {
		return err
	}
	c := ralph.NewController(name, ralph.ControllerDeps{
		States:        a.ralphStates,
		Workers:       a.workers,
		Prober:        a.prober,
		Panes:         a.tmux,
		Events:        a.events,
		Tracer:        tp.Tracer(),
		Logger:        logger,
		ReadyPatterns: patterns,
		Poll:          a.cfg.RalphPoll,
		ReadyTimeout:  a.cfg.ReadyTimeout,
		PID:           os.Getpid(),
	})
	return c.Run(ctx)
}

func newRalphPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause NAME",
		Short: "Pause a Ralph loop after the current check",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			warning, err := a.ralph.Pause(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if warning != "" {
				warnf("%s", warning)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ralph loop for %s paused\n", args[0])
			return nil
		},
	}
}

func newRalphResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume NAME",
		Short: "Resume a paused Ralph loop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			warning, err := a.ralph.Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if warning != "" {
				warnf("%s", warning)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ralph loop for %s resumed\n", args[0])
			return nil
		},
	}
}

func newRalphStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop NAME",
		Short: "Stop a Ralph loop, leaving the worker running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			st, err := a.ralph.Stop(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ralph loop for %s %s after %d iterations\n", args[0], st.Status, st.CurrentIteration)
			return nil
		},
	}
}

func newRalphStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status NAME",
		Short: "Show a Ralph loop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			st, err := a.ralph.Status(args[0])
			if err != nil {
				return err
			}
			printRalph(cmd.OutOrStdout(), *st, time.Now())
			return nil
		},
	}
}

func printRalph(out io.Writer, st ralph.State, now time.Time) {
	fmt.Fprintf(out, "worker:     %s\n", st.WorkerName)
	fmt.Fprintf(out, "run:        %s\n", st.RunID)
	fmt.Fprintf(out, "status:     %s\n", st.Status)
	fmt.Fprintf(out, "iteration:  %d/%d\n", st.CurrentIteration, st.MaxIterations)
	fmt.Fprintf(out, "failures:   %d (%d consecutive)\n", st.TotalFailures, st.ConsecutiveFailures)
	fmt.Fprintf(out, "prompt:     %s\n", st.PromptFile)
	fmt.Fprintf(out, "inactivity: %s after %s\n", st.InactivityMode, st.InactivityTimeout())
	if st.DonePattern != "" {
		fmt.Fprintf(out, "done when:  %s\n", st.DonePattern)
	}
	fmt.Fprintf(out, "started:    %s (%s ago)\n", st.StartedAt.Local().Format(time.DateTime), humanAge(now.Sub(st.StartedAt)))
	if st.LastIterationStartedAt != nil {
		fmt.Fprintf(out, "last start: %s (%s ago)\n", st.LastIterationStartedAt.Local().Format(time.DateTime), humanAge(now.Sub(*st.LastIterationStartedAt)))
	}
	if st.MonitorPID > 0 {
		fmt.Fprintf(out, "controller: pid %d\n", st.MonitorPID)
	}
}

func newRalphListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List Ralph loops",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			states, err := a.ralph.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(states) == 0 {
				fmt.Fprintln(out, "no ralph loops")
				return nil
			}
			for _, st := range states {
				fmt.Fprintf(out, "%-20s %-8s %d/%d failures %d\n",
					st.WorkerName, st.Status, st.CurrentIteration, st.MaxIterations, st.TotalFailures)
			}
			return nil
		},
	}
}

// ralphLogsConfig holds the flags of swarm ralph logs.
type ralphLogsConfig struct {
	tail   int
	follow bool
}

func newRalphLogsCmd() *cobra.Command {
	var cfg ralphLogsConfig
	cmd := &cobra.Command{
		Use:   "logs NAME",
		Short: "Show a Ralph loop's iteration log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			if _, err := a.ralph.Status(args[0]); err != nil {
				return err
			}
			path := a.ralph.LogPath(args[0])
			out := cmd.OutOrStdout()
			lines, err := ralph.Tail(path, cfg.tail)
			if err != nil {
				return err
			}
			for _, l := range lines {
				fmt.Fprintln(out, l)
			}
			if !cfg.follow {
				return nil
			}
			var offset int64
			if info, err := os.Stat(path); err == nil {
				offset = info.Size()
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return ralph.Follow(ctx, path, offset, out)
		},
	}
	cmd.Flags().IntVar(&cfg.tail, "tail", 20, "number of recent lines to show (0 for all)")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "keep printing new lines")
	return cmd
}

// newRalphRunCmd is the entry point of a detached controller process.
func newRalphRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "run NAME",
		Short:  "Run a Ralph controller in the foreground",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			logger := log.New(os.Stderr, fmt.Sprintf("[ralph %s] ", args[0]), log.LstdFlags)
			return runController(ctx, a, args[0], logger)
		},
	}
}
