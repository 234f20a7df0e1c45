package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"courier/internal/commands"
	"courier/internal/config"
	"courier/internal/engine"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "courier",
		Short:         "Offline-first delivery engine for the chat client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the engine and its local status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show connection, sync and queue state",
		Args:  cobra.NoArgs,
		RunE: cliCommand(func(cfg *config.Config, cmd *cobra.Command, args []string) error {
			return commands.Status(cfg, cmd.OutOrStdout())
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Drain the queue now",
		Args:  cobra.NoArgs,
		RunE: cliCommand(func(cfg *config.Config, cmd *cobra.Command, args []string) error {
			return commands.Sync(cfg, cmd.OutOrStdout())
		}),
	})

	root.AddCommand(newQueueCmd(), newConflictCmd())
	return root
}

func newQueueCmd() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage queued actions",
	}

	var listStatuses []string
	list := &cobra.Command{
		Use:   "list",
		Short: "List queued actions",
		Args:  cobra.NoArgs,
		RunE: cliCommand(func(cfg *config.Config, cmd *cobra.Command, args []string) error {
			return commands.ListQueue(cfg, cmd.OutOrStdout(), listStatuses)
		}),
	}
	list.Flags().StringSliceVar(&listStatuses, "status", nil, "only show actions in these states (pending, sending, failed, conflict)")

	retry := &cobra.Command{
		Use:   "retry [id]",
		Short: "Retry one failed action, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: cliCommand(func(cfg *config.Config, cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return commands.Retry(cfg, cmd.OutOrStdout(), id)
		}),
	}

	var clearStatuses []string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove queued actions",
		Long:  "Remove queued actions. Without --status everything not currently being sent is removed.",
		Args:  cobra.NoArgs,
		RunE: cliCommand(func(cfg *config.Config, cmd *cobra.Command, args []string) error {
			return commands.Clear(cfg, cmd.OutOrStdout(), clearStatuses)
		}),
	}
	clearCmd.Flags().StringSliceVar(&clearStatuses, "status", nil, "only remove actions in these states")

	queueCmd.AddCommand(list, retry, clearCmd)
	return queueCmd
}

func newConflictCmd() *cobra.Command {
	conflictCmd := &cobra.Command{
		Use:   "conflict",
		Short: "Inspect and resolve a settings conflict",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show local and server values of the conflict",
		Args:  cobra.NoArgs,
		RunE: cliCommand(func(cfg *config.Config, cmd *cobra.Command, args []string) error {
			return commands.ShowConflict(cfg, cmd.OutOrStdout())
		}),
	}

	resolve := &cobra.Command{
		Use:       "resolve local|server",
		Short:     "Keep the local values or take the server's",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"local", "server"},
		RunE: cliCommand(func(cfg *config.Config, cmd *cobra.Command, args []string) error {
			return commands.ResolveConflict(cfg, cmd.OutOrStdout(), args[0])
		}),
	}

	conflictCmd.AddCommand(show, resolve)
	return conflictCmd
}

// cliCommand loads the configuration needed to reach a running engine.
func cliCommand(fn func(cfg *config.Config, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(true)
		if err != nil {
			return err
		}
		return fn(cfg, cmd, args)
	}
}

func runEngine(ctx context.Context) error {
	cfg, err := config.Load(false)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	e, err := engine.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			logger.Error("failed to close engine", "error", err)
		}
	}()

	return e.Run(ctx)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
