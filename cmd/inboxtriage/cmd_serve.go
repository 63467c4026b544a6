package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/inbox-triage/internal/app"
	"github.com/nhle/inbox-triage/internal/logging"
	"github.com/nhle/inbox-triage/internal/pipeline"
	"github.com/nhle/inbox-triage/internal/trigger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline on a fixed interval until interrupted",
	Long: `Runs the pipeline immediately and then every serve.interval_sec seconds.
A run that suspends schedules its own follow-up after continuation.resume_delay_sec.
SIGINT or SIGTERM stops the loop after the current batch.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logging.New("serve")

	var a *app.App
	loop := trigger.NewLoop(func(ctx context.Context) error {
		out, err := a.Run(ctx, pipeline.RunRequest{Mode: pipeline.ModeAuto})
		if err != nil {
			return err
		}
		log.Info("invocation finished",
			"run_id", out.RunID,
			"status", out.Status,
			"scanned", out.Summary.Scanned,
			"classified", out.Summary.Classified,
			"remaining", out.Remaining,
		)
		return nil
	},
		time.Duration(cfg.Serve.IntervalSec)*time.Second,
		app.ContinuationOptions(cfg.Continuation).MaxInvocation,
	)

	var err error
	a, err = app.New(ctx, cfg, app.Options{Scheduler: loop})
	if err != nil {
		return err
	}
	defer a.Close()

	log.Info("serving", "interval", time.Duration(cfg.Serve.IntervalSec)*time.Second)
	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", err)
	}
	log.Info("stopped", "runs", loop.Status().Runs)
	return nil
}
