// Command jobrunnerctl wires jobrunner's Builder, Store and a small
// example job end to end: enqueue rows from the command line, then run a
// worker loop against them.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jobrunner/jobrunner"
)

// env is the shared environment every registered job receives. A real
// consumer of this library would put its own dependencies here (an HTTP
// client, feature flags, whatever the job bodies need); jobrunnerctl only
// ships the echo job below, so an empty struct is enough.
type env struct{}

// echoArgs is the example job registered for the "work" subcommand's demo
// handler: it logs its own payload and succeeds.
type echoArgs struct {
	Message string
}

func (echoArgs) JobType() string { return "echo" }

func (a echoArgs) Perform(ctx context.Context, e *env, pool *pgxpool.Pool) error {
	fmt.Fprintf(os.Stdout, "echo: %s\n", a.Message)
	return nil
}

func main() {
	jobrunner.RegisterBlockingJob[env]("echo", func() jobrunner.Job[env] { return &echoArgs{} })

	root := &cobra.Command{
		Use:   "jobrunnerctl",
		Short: "Operate a jobrunner-backed background job table.",
	}
	root.AddCommand(newEnqueueCmd())
	root.AddCommand(newWorkCmd())
	root.AddCommand(newFailedCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.AfterConnect = jobrunner.PrepareStatements
	return pgxpool.NewWithConfig(ctx, cfg)
}

func newEnqueueCmd() *cobra.Command {
	var jobType, message, databaseURL string
	var async bool

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Insert one job row.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := jobrunner.LoadConfig()
			if err != nil {
				return err
			}
			if databaseURL != "" {
				cfg.DatabaseURL = databaseURL
			}

			pool, err := openPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			data, err := jobrunner.Encode(echoArgs{Message: message})
			if err != nil {
				return err
			}

			id, err := jobrunner.NewStore(pool).Enqueue(ctx, jobType, data, async)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued job %d\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&jobType, "job-type", "echo", "registered job_type to enqueue")
	cmd.Flags().StringVar(&message, "message", "hello", "message payload for the echo job")
	cmd.Flags().BoolVar(&async, "async", false, "enqueue onto the cooperative lane instead of the blocking one")
	cmd.Flags().StringVar(&databaseURL, "database-url", "", "overrides JOBRUNNER_DATABASE_URL")
	return cmd
}

func newWorkCmd() *cobra.Command {
	var databaseURL string
	var lane string
	var once bool

	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run the worker loop against pending jobs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := jobrunner.LoadConfig()
			if err != nil {
				return err
			}
			if databaseURL != "" {
				cfg.DatabaseURL = databaseURL
			}

			level, err := zerolog.ParseLevel(cfg.LogLevel)
			if err != nil {
				level = zerolog.InfoLevel
			}
			jobrunner.SetLogger(zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger())

			pool, err := openPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			runner, err := jobrunner.NewBuilder[env](env{}, pool).FromConfig(cfg).Build()
			if err != nil {
				return err
			}
			defer runner.Close()

			runLane := runner.RunAllBlockingTasks
			if lane == "cooperative" {
				runLane = runner.RunAllCooperativeTasks
			}

			for {
				queued, err := runLane(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ran %d job(s)\n", queued)
				if once {
					return nil
				}
				time.Sleep(time.Second)
			}
		},
	}

	cmd.Flags().StringVar(&databaseURL, "database-url", "", "overrides JOBRUNNER_DATABASE_URL")
	cmd.Flags().StringVar(&lane, "lane", "blocking", `which lane to drive: "blocking" or "cooperative"`)
	cmd.Flags().BoolVar(&once, "once", false, "drain currently-available jobs once instead of looping forever")
	return cmd
}

func newFailedCmd() *cobra.Command {
	var databaseURL string

	cmd := &cobra.Command{
		Use:   "failed-count",
		Short: "Print the number of rows whose retries > 0.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := jobrunner.LoadConfig()
			if err != nil {
				return err
			}
			if databaseURL != "" {
				cfg.DatabaseURL = databaseURL
			}

			pool, err := openPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			n, err := jobrunner.NewStore(pool).FailedJobCount(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", n)
			return nil
		},
	}

	cmd.Flags().StringVar(&databaseURL, "database-url", "", "overrides JOBRUNNER_DATABASE_URL")
	return cmd
}
