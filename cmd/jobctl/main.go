// Command jobctl submits and watches jobs against a running server.
//
//	jobctl --addr http://localhost:8080 submit coupon_issue acc-1 acc-2
//	jobctl watch 01J...
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bizdash-jobs/internal/config"
	"bizdash-jobs/internal/domain/model"
	"bizdash-jobs/internal/infra/client"
	"bizdash-jobs/internal/infra/logging"
	"bizdash-jobs/internal/infra/sched"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	flagAddr     string
	flagInterval time.Duration
	flagAttempts int
	flagNoWatch  bool
	flagVerbose  bool

	api    *client.Client
	logger *zerolog.Logger
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", envOr("JOBS_ADDR", "http://localhost:8080"), "jobs server base URL")
	rootCmd.PersistentFlags().DurationVar(&flagInterval, "interval", sched.DefaultPollInterval, "poll interval")
	rootCmd.PersistentFlags().IntVar(&flagAttempts, "attempts", sched.DefaultPollMaxAttempts, "max poll attempts")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "log poll errors")
	submitCmd.Flags().BoolVar(&flagNoWatch, "no-watch", false, "print the job id and exit")
	resumeCmd.Flags().BoolVar(&flagNoWatch, "no-watch", false, "print the job id and exit")

	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRun = func(*cobra.Command, []string) {
		level := "warn"
		if flagVerbose {
			level = "debug"
		}
		logger = logging.NewWriter(os.Stderr, config.LogConfig{Level: level, Format: "console"}, false)
		api = client.New(flagAddr, nil)
	}
	rootCmd.AddCommand(submitCmd, statusCmd, watchCmd, resultCmd, cancelCmd, resumeCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, "jobctl:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "jobctl",
	Short:        "Submit and watch bulk jobs",
	SilenceUsage: true,
}

var submitCmd = &cobra.Command{
	Use:   "submit <kind> [target-id ...]",
	Short: "create a job (no ids = full scope) and watch it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		targets := make([]model.Target, 0, len(args)-1)
		for _, id := range args[1:] {
			targets = append(targets, model.Target{ID: id})
		}
		id, err := api.Submit(cmd.Context(), args[0], targets)
		if err != nil {
			return err
		}
		fmt.Println(id)
		if flagNoWatch {
			return nil
		}
		return watch(cmd.Context(), id)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "print one status snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := api.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printStatus(st)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "poll until terminal or the attempt budget runs out",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watch(cmd.Context(), args[0])
	},
}

var resultCmd = &cobra.Command{
	Use:   "result <job-id>",
	Short: "print the full result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := api.Result(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "request cancellation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return api.Cancel(cmd.Context(), args[0])
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "retry transient failures and skipped targets as a new job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := api.Resume(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(id)
		if flagNoWatch {
			return nil
		}
		return watch(cmd.Context(), id)
	},
}

func watch(ctx context.Context, id string) error {
	var last model.Status
	for st := range sched.NewPollWatcher(api, logger).Watch(ctx, id, flagInterval, flagAttempts) {
		printStatus(st)
		last = st
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if last.Status == "" {
		return fmt.Errorf("job %s: no status received", id)
	}
	if !last.Terminal() {
		return fmt.Errorf("job %s still %s after %d attempts", id, last.Status, flagAttempts)
	}
	return nil
}

func printStatus(st model.Status) {
	fmt.Printf("%s  %-9s %d/%d  %s\n", time.Now().Format("15:04:05"), st.Status, st.Current, st.Total, st.Message)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
