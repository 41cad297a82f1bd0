package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/yichenzhou/groupflow/internal/detect"
	"github.com/yichenzhou/groupflow/internal/domain"
)

const dayLayout = "2006-01-02"

// unitFlags are the detection-scope flags shared by every command that
// starts from a detection run.
type unitFlags struct {
	taskIDs []int64
	app     string
	scene   string
	status  string
	day     string
}

func (u *unitFlags) register(cmd *cobra.Command) {
	cmd.Flags().Int64SliceVar(&u.taskIDs, "task-ids", nil, "explicit parent task ids (bypasses the filter)")
	cmd.Flags().StringVar(&u.app, "app", "com.smile.gifmaker", "app package name")
	cmd.Flags().StringVar(&u.scene, "scene", domain.SceneSearch, "capture scene of the parent tasks")
	cmd.Flags().StringVar(&u.status, "status", "", "restrict the filter to one task status")
	cmd.Flags().StringVar(&u.day, "day", "", "capture day YYYY-MM-DD (default today)")
}

func (u *unitFlags) unit() domain.DetectionUnit {
	if len(u.taskIDs) > 0 {
		return domain.DetectionUnit{TaskIDs: u.taskIDs}
	}
	day := u.day
	if day == "" {
		day = time.Now().UTC().Format(dayLayout)
	}
	return domain.DetectionUnit{Filter: &domain.UnitFilter{
		App:    u.app,
		Scene:  u.scene,
		Status: domain.Status(u.status),
		Day:    day,
	}}
}

var detectFlags unitFlags

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Cluster capture rows into groups and report which met the threshold",
	RunE:  runDetect,
}

func init() {
	detectFlags.register(detectCmd)
	detectCmd.Flags().Float64("threshold", 0, "selection threshold override (0 uses config)")
	bindFlag("threshold", detectCmd.Flags(), "threshold")
	// Detection never writes; the flag is accepted so scripted callers can
	// pass it uniformly.
	detectCmd.Flags().Bool("dry-run", false, "no effect, detection is read-only")
}

type detectSummary struct {
	Day            string                    `json:"day"`
	Threshold      float64                   `json:"threshold"`
	Units          int                       `json:"units"`
	Selected       []domain.SelectedGroup    `json:"selected"`
	Skipped        int                       `json:"skipped"`
	SkipReasons    map[domain.SkipReason]int `json:"skip_reasons,omitempty"`
	ElapsedSeconds float64                   `json:"elapsed_seconds"`
}

func runDetect(cmd *cobra.Command, _ []string) error {
	started := time.Now()
	app, err := newApp(cmd.Context(), "detect")
	if err != nil {
		return err
	}
	defer app.Close()

	engine := detect.NewEngine(app.ledger, app.results, app.books, app.cfg.Threshold, app.logger)
	report, err := engine.Run(cmd.Context(), detectFlags.unit())
	if err != nil {
		return err
	}

	summary := detectSummary{
		Day:            report.Day,
		Threshold:      report.Threshold,
		Units:          len(report.SelectedGroups) + len(report.SkippedUnits),
		Selected:       report.SelectedGroups,
		Skipped:        len(report.SkippedUnits),
		ElapsedSeconds: time.Since(started).Seconds(),
	}
	if len(report.SkippedUnits) > 0 {
		summary.SkipReasons = make(map[domain.SkipReason]int)
		for _, unit := range report.SkippedUnits {
			summary.SkipReasons[unit.Reason]++
		}
	}
	return printSummary(summary)
}
