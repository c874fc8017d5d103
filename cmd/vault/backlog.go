package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"mangavault/internal/app"
	"mangavault/internal/scheduler"
)

var flagLimit int

func init() {
	backlogCmd := &cobra.Command{
		Use:   "backlog",
		Short: "Retry incomplete chapters once, oldest first",
		RunE:  runBacklog,
	}
	backlogCmd.Flags().IntVar(&flagLimit, "limit", 0, "chapters to process (default backlog_limit)")
	rootCmd.AddCommand(backlogCmd)
}

func runBacklog(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	limit := cfg.BacklogLimit
	if cmd.Flags().Changed("limit") && flagLimit > 0 {
		limit = flagLimit
	}

	bars := newBarSink(os.Stderr, logger)
	engine, err := app.New(cfg, bars, logger)
	if err != nil {
		bars.Close()
		return err
	}
	defer engine.Close()

	sum, err := scheduler.NewBacklog(engine.Downloads, engine.Records, bars, limit, logger).RunOnce(cmd.Context())
	bars.Close()
	if err != nil {
		return err
	}
	fmt.Printf("selected %d, completed %d, incomplete %d, failed %d in %s\n",
		sum.Selected, sum.Completed, sum.Incomplete, sum.Failed, sum.Duration.Round(time.Millisecond))
	return nil
}
