package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/capsulenote/internal/app"
	"github.com/dharsanguruparan/capsulenote/internal/billing"
	"github.com/dharsanguruparan/capsulenote/internal/config"
	"github.com/dharsanguruparan/capsulenote/internal/database"
	"github.com/dharsanguruparan/capsulenote/internal/ingest"
	"github.com/dharsanguruparan/capsulenote/internal/keystore"
	"github.com/dharsanguruparan/capsulenote/internal/logging"
	"github.com/dharsanguruparan/capsulenote/internal/scheduler"
)

var (
	configFile  string
	composeFile string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "capsulectl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capsulectl",
		Short: "Capsule Note operator CLI",
		Long: `capsulectl manages encryption keys, database migrations and the webhook dead-letter queue,
and can force a reconciliation pass. The dev subcommands drive the local docker-compose stack.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file overlaying the defaults")
	cmd.AddCommand(
		newKeygenCmd(),
		newKeysCmd(),
		newMigrateCmd(),
		newDLQCmd(),
		newReconcileCmd(),
		newDevCmd(),
	)
	return cmd
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		if err := os.Setenv("CAPSULE_CONFIG", configFile); err != nil {
			return nil, err
		}
	}
	return config.Load()
}

func openRuntime(ctx context.Context) (*app.Runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, cfg, logging.New(os.Stderr, cfg.LogLevel))
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new base64 master key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := keystore.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect the master key ring",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Verify every configured key version resolves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := keystore.FromEnv()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, v := range keys.Versions() {
				if _, err := keys.Resolve(v); err != nil {
					return fmt.Errorf("key version %d: %w", v, err)
				}
				marker := ""
				if v == keys.Current() {
					marker = " (current)"
				}
				fmt.Fprintf(out, "v%d ok%s\n", v, marker)
			}
			return nil
		},
	})
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pool, err := database.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			db := database.OpenDB(pool)
			defer db.Close()
			if err := database.Migrate(ctx, db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newDLQCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered webhook events",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List unresolved failed events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			failed, err := rt.Events.ListFailed(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "EVENT\tTYPE\tRETRIES\tFAILED AT\tERROR")
			for _, fe := range failed {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", fe.EventID, fe.EventType, fe.RetryCount, fe.FailedAt.Format("2006-01-02 15:04:05"), fe.Error)
			}
			return tw.Flush()
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "Maximum entries to show")

	replay := &cobra.Command{
		Use:   "replay <event-id>",
		Short: "Re-run a dead-lettered event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			in := ingest.New(rt.Events, rt.Log, rt.Config.StuckEventAfter, nil)
			billing.New(rt.Billing, rt.Log, nil).Register(in)
			out, err := in.Replay(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], out)
			return nil
		},
	}

	cmd.AddCommand(list, replay)
	return cmd
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run the delivery and webhook backstops once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := scheduler.NewReconciler(rt.Deliveries, rt.Audit, rt.Timer, rt.Log, nil).Reconcile(ctx)
			if err != nil {
				return err
			}
			in := ingest.New(rt.Events, rt.Log, rt.Config.StuckEventAfter, nil)
			billing.New(rt.Billing, rt.Log, nil).Register(in)
			events, err := in.Reconcile(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deliveries: %d overdue, %d stuck, %d failed to restart\nevents: %d recovered\n",
				report.Overdue, report.Stuck, report.Failed, events)
			return nil
		},
	}
}

func newDevCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Local development helpers",
	}
	cmd.PersistentFlags().StringVarP(&composeFile, "compose-file", "f", "docker-compose.yml", "Compose file to use for stack commands")

	var detach bool
	up := &cobra.Command{
		Use:   "up [service...]",
		Short: "Start Postgres, Redis and MinIO via docker compose",
		RunE: func(cmd *cobra.Command, args []string) error {
			composeArgs := []string{"compose", "-f", composeFile, "up"}
			if detach {
				composeArgs = append(composeArgs, "-d")
			}
			return runCommand(cmd.Context(), "docker", append(composeArgs, args...)...)
		},
	}
	up.Flags().BoolVarP(&detach, "detach", "d", true, "Run containers in the background")

	var removeVolumes bool
	down := &cobra.Command{
		Use:   "down",
		Short: "Stop the docker compose stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			composeArgs := []string{"compose", "-f", composeFile, "down"}
			if removeVolumes {
				composeArgs = append(composeArgs, "-v")
			}
			return runCommand(cmd.Context(), "docker", composeArgs...)
		},
	}
	down.Flags().BoolVarP(&removeVolumes, "volumes", "v", false, "Remove stack volumes")

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the binaries directly",
	}
	run.AddCommand(
		newServiceRunner("api", "./cmd/api"),
		newServiceRunner("worker", "./cmd/worker"),
	)

	cmd.AddCommand(up, down, run)
	return cmd
}

func newServiceRunner(name, path string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("go run %s", path),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd.Context(), "go", append([]string{"run", path}, args...)...)
		},
	}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	execCmd := exec.CommandContext(ctx, name, args...)
	execCmd.Stdout = os.Stdout
	execCmd.Stderr = os.Stderr
	execCmd.Stdin = os.Stdin
	return execCmd.Run()
}
