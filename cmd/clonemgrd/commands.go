package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/clonemgr/internal/clone"
	"github.com/cloud-shuttle/clonemgr/internal/collab"
	"github.com/cloud-shuttle/clonemgr/internal/config"
	"github.com/cloud-shuttle/clonemgr/internal/statuspush"
	"github.com/cloud-shuttle/clonemgr/internal/store"
	"github.com/cloud-shuttle/clonemgr/internal/task"
	"github.com/cloud-shuttle/clonemgr/internal/telemetry"
	"github.com/cloud-shuttle/clonemgr/internal/worktree"
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "clonemgrd",
		Short:   "Clone manager daemon",
		Version: "0.1.0",
	}
	cmd.AddCommand(startCmd())
	cmd.AddCommand(genWorktreeCmd())
	return cmd
}

// startCmd boots the event loop, the connection poller and the optional
// status-push websocket server, then blocks until interrupted.
func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the clone manager daemon until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			if err := os.MkdirAll(cfg.WorktreeRoot, 0o755); err != nil {
				return fmt.Errorf("creating worktree root: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			shutdownTelemetry, err := telemetry.Init(ctx, &telemetry.Config{
				ServiceName:    telemetry.DefaultServiceName,
				ServiceVersion: telemetry.DefaultServiceVersion,
				OTLPEndpoint:   cfg.TelemetryEndpoint,
				Enabled:        cfg.TelemetryEndpoint != "",
				SampleRate:     1.0,
			})
			if err != nil {
				return fmt.Errorf("initializing telemetry: %w", err)
			}
			defer shutdownTelemetry(context.Background())

			st, err := store.Open(cfg.StoreDBPath)
			if err != nil {
				return fmt.Errorf("opening clone task store: %w", err)
			}
			defer st.Close()

			registry := task.NewRegistry()
			repos := collab.NewFakeRepoStore()
			placer := worktree.New(clone.NewConflicts(registry, repos))
			hub := statuspush.NewHub()
			go hub.Run()

			mgr := clone.New(clone.Deps{
				Store:              st,
				Registry:           registry,
				Placer:             placer,
				Peer:               collab.NewFakePeer(),
				Transfer:           collab.NewFakeTransfer(repos),
				Repos:              repos,
				Jobs:               collab.NewFakeJobExecutor(),
				PollInterval:       cfg.PollInterval,
				MaxConnectAttempts: cfg.MaxConnectAttempts,
				OnTransition:       hub.OnTransition,
				Tracer:             telemetry.NewTracer(),
			})

			if err := telemetry.RegisterActiveTasksGauge(func() int64 {
				var n int64
				for _, t := range mgr.ListTasks() {
					if !t.State.Terminal() {
						n++
					}
				}
				return n
			}); err != nil {
				return fmt.Errorf("registering active tasks gauge: %w", err)
			}

			if err := mgr.Start(ctx); err != nil {
				return fmt.Errorf("starting clone manager: %w", err)
			}
			defer mgr.Stop()

			if cfg.StatusPushAddr != "" {
				srv := newStatusPushServer(cfg.StatusPushAddr, hub)
				go func() {
					if err := srv.ListenAndServe(); err != nil {
						fmt.Fprintf(os.Stderr, "statuspush: %v\n", err)
					}
				}()
				defer srv.Close()
			}

			fmt.Printf("clonemgrd: listening for clone tasks (store=%s, worktrees=%s)\n",
				cfg.StoreDBPath, cfg.WorktreeRoot)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh
			fmt.Println("clonemgrd: interrupt received, shutting down")
			return nil
		},
	}
	return cmd
}

// genWorktreeCmd exposes gen_default_worktree: a read-only, side-effect-free
// operation, so it is safe to run outside the daemon's event loop.
func genWorktreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gen-worktree <parent> <repo-name>",
		Short: "Print the default worktree path for a repository name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			placer := worktree.New(nil)
			fmt.Println(placer.GenDefault(args[0], args[1]))
			return nil
		},
	}
	return cmd
}
