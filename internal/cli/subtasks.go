package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/yichenzhou/groupflow/internal/detect"
	"github.com/yichenzhou/groupflow/internal/materialize"
)

var (
	subtasksFlags  unitFlags
	subtasksDryRun bool
)

var subtasksCmd = &cobra.Command{
	Use:   "create-subtasks",
	Short: "Detect completed groups and persist their follow-up capture tasks",
	RunE:  runSubtasks,
}

func init() {
	subtasksFlags.register(subtasksCmd)
	subtasksCmd.Flags().BoolVar(&subtasksDryRun, "dry-run", false, "report what would be created without writing")
}

func runSubtasks(cmd *cobra.Command, _ []string) error {
	started := time.Now()
	app, err := newApp(cmd.Context(), "create-subtasks")
	if err != nil {
		return err
	}
	defer app.Close()

	engine := detect.NewEngine(app.ledger, app.results, app.books, app.cfg.Threshold, app.logger)
	report, err := engine.Run(cmd.Context(), subtasksFlags.unit())
	if err != nil {
		return err
	}

	summary, err := materialize.NewMaterializer(app.ledger, app.logger).Run(cmd.Context(), report, subtasksDryRun)
	if err != nil {
		return err
	}
	return printSummary(struct {
		*materialize.Summary
		ElapsedSeconds float64 `json:"elapsed_seconds"`
	}{summary, time.Since(started).Seconds()})
}
