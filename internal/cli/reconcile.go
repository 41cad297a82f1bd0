package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yichenzhou/groupflow/internal/reconcile"
	"github.com/yichenzhou/groupflow/pkg/telemetry"
)

var (
	reconcileDays       []string
	reconcileDryRun     bool
	reconcileDaemon     bool
	reconcileReset      bool
	reconcileResetTasks bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Re-drive delivery for pending and failed plans",
	RunE:  runReconcile,
}

func init() {
	reconcileCmd.Flags().StringSliceVar(&reconcileDays, "days", nil, "capture days YYYY-MM-DD (default today)")
	reconcileCmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "report what a sweep would do without writing")
	reconcileCmd.Flags().BoolVar(&reconcileDaemon, "daemon", false, "sweep continuously on the configured cron schedule")
	reconcileCmd.Flags().BoolVar(&reconcileReset, "reset", false, "move error/failed plans back to pending instead of sweeping")
	reconcileCmd.Flags().BoolVar(&reconcileResetTasks, "reset-tasks", false, "with --reset, also move the plans' failed/error tasks back to pending")
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	started := time.Now()
	app, err := newApp(cmd.Context(), "reconcile")
	if err != nil {
		return err
	}
	defer app.Close()

	r := reconcile.New(app.plans, app.ledger, app.deliverer(), app.cfg.BizType, app.logger,
		reconcile.WithSweepLimit(app.cfg.SweepLimit),
		reconcile.WithLookbackDays(app.cfg.LookbackDays),
	)

	if reconcileDaemon {
		return runDaemon(app, r)
	}

	days := reconcileDays
	if len(days) == 0 {
		days = []string{time.Now().UTC().Format(dayLayout)}
	}

	var summary *reconcile.Summary
	if reconcileReset {
		summary, err = r.Reset(cmd.Context(), days, reconcileResetTasks, reconcileDryRun)
	} else {
		summary, err = r.Sweep(cmd.Context(), days, reconcileDryRun)
	}
	if err != nil {
		return err
	}
	return printSummary(struct {
		*reconcile.Summary
		ElapsedSeconds float64 `json:"elapsed_seconds"`
	}{summary, time.Since(started).Seconds()})
}

// runDaemon blocks on the cron loop until SIGTERM/SIGINT.
func runDaemon(app *app, r *reconcile.Reconciler) error {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	telemetry.StartMetricsServer(runCtx, app.cfg.MetricsAddr, app.logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		app.logger.Info("shutting down reconciler")
		cancel()
	}()

	app.logger.Info("reconciler daemon starting", "schedule", app.cfg.CronSchedule)
	return r.RunDaemon(runCtx, app.cfg.CronSchedule)
}
