package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/yichenzhou/groupflow/internal/detect"
	"github.com/yichenzhou/groupflow/internal/materialize"
)

var (
	planFlags  unitFlags
	planDryRun bool
)

var planCmd = &cobra.Command{
	Use:   "upsert-webhook-plan",
	Short: "Create or refresh webhook plans for groups that met the threshold",
	RunE:  runPlanUpsert,
}

func init() {
	planFlags.register(planCmd)
	planCmd.Flags().BoolVar(&planDryRun, "dry-run", false, "report what would change without writing")
}

func runPlanUpsert(cmd *cobra.Command, _ []string) error {
	started := time.Now()
	app, err := newApp(cmd.Context(), "upsert-webhook-plan")
	if err != nil {
		return err
	}
	defer app.Close()

	engine := detect.NewEngine(app.ledger, app.results, app.books, app.cfg.Threshold, app.logger)
	report, err := engine.Run(cmd.Context(), planFlags.unit())
	if err != nil {
		return err
	}

	upserter := materialize.NewPlanUpserter(app.plans, app.ledger, app.cfg.BizType, app.logger)
	summary, err := upserter.Upsert(cmd.Context(), report, planDryRun)
	if err != nil {
		return err
	}
	return printSummary(struct {
		*materialize.UpsertSummary
		ElapsedSeconds float64 `json:"elapsed_seconds"`
	}{summary, time.Since(started).Seconds()})
}
