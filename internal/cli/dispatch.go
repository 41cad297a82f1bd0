package cli

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yichenzhou/groupflow/internal/dispatch"
	"github.com/yichenzhou/groupflow/internal/domain"
	"github.com/yichenzhou/groupflow/internal/kafka"
	"github.com/yichenzhou/groupflow/pkg/telemetry"
)

var (
	dispatchGroupID string
	dispatchDay     string
	dispatchDryRun  bool
	dispatchListen  bool
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Deliver the completion webhook for a ready group, or listen for completion events",
	RunE:  runDispatch,
}

func init() {
	dispatchCmd.Flags().StringVar(&dispatchGroupID, "group-id", "", "group id to dispatch")
	dispatchCmd.Flags().StringVar(&dispatchDay, "day", "", "capture day YYYY-MM-DD (default today)")
	dispatchCmd.Flags().BoolVar(&dispatchDryRun, "dry-run", false, "check readiness without locking, posting or writing")
	dispatchCmd.Flags().BoolVar(&dispatchListen, "listen", false, "consume task-completed events and dispatch continuously")
}

func runDispatch(cmd *cobra.Command, _ []string) error {
	started := time.Now()
	app, err := newApp(cmd.Context(), "dispatch")
	if err != nil {
		return err
	}
	defer app.Close()

	if dispatchListen {
		return runListen(app)
	}

	if dispatchGroupID == "" {
		return domain.Inputf("dispatch requires --group-id (or --listen)")
	}
	day := dispatchDay
	if day == "" {
		day = time.Now().UTC().Format(dayLayout)
	}

	key := domain.PlanKey{BizType: app.cfg.BizType, GroupID: dispatchGroupID, Day: day}
	outcome, err := app.deliverer().Dispatch(cmd.Context(), key, dispatchDryRun)
	if err != nil {
		return err
	}
	return printSummary(struct {
		*dispatch.Outcome
		ElapsedSeconds float64 `json:"elapsed_seconds"`
	}{outcome, time.Since(started).Seconds()})
}

// runListen blocks on the kafka consumer until SIGTERM/SIGINT.
func runListen(app *app) error {
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	telemetry.StartMetricsServer(runCtx, app.cfg.MetricsAddr, app.logger)

	brokers := strings.Split(app.cfg.KafkaBrokers, ",")
	consumer := kafka.NewConsumer(brokers, app.cfg.KafkaTopic, app.cfg.KafkaGroupID, app.logger)
	defer func() { _ = consumer.Close() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		app.logger.Info("shutting down listener")
		cancel()
	}()

	listener := dispatch.NewListener(consumer, app.deliverer(), app.cfg.BizType, app.logger)
	app.logger.Info("listening for completion events",
		"topic", app.cfg.KafkaTopic,
		"group", app.cfg.KafkaGroupID,
	)
	return listener.Run(runCtx)
}
