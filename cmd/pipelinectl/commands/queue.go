package commands

import (
	"context"
	"errors"

	"github.com/urfave/cli/v3"

	"dealflow-backend/internal/bootstrap"
	"dealflow-backend/internal/dispatch"
	"dealflow-backend/internal/pipeline"
)

// HealthAction prints the queue health snapshot.
func HealthAction(ctx context.Context, cmd *cli.Command) error {
	return withApp(ctx, cmd, func(app *bootstrap.App) (any, error) {
		return app.Pipeline.GetQueueHealth(ctx, cmd.String("fund-id"))
	})
}

// EnqueueAction submits a deal for analysis through admission.
func EnqueueAction(ctx context.Context, cmd *cli.Command) error {
	return withApp(ctx, cmd, func(app *bootstrap.App) (any, error) {
		var meta map[string]any
		if cmd.Bool("safe-mode") {
			meta = map[string]any{"analysisMode": dispatch.ModeSafe}
		}
		return app.Pipeline.Enqueue(ctx, pipeline.EnqueueRequest{
			DealID:        cmd.String("deal-id"),
			FundID:        cmd.String("fund-id"),
			Priority:      cmd.String("priority"),
			TriggerReason: cmd.String("trigger"),
			Metadata:      meta,
		})
	})
}

// JobShowAction prints one job.
func JobShowAction(ctx context.Context, cmd *cli.Command) error {
	return withApp(ctx, cmd, func(app *bootstrap.App) (any, error) {
		return app.Pipeline.GetJob(ctx, cmd.String("id"))
	})
}

// ForceProcessAction makes every queued job eligible now.
func ForceProcessAction(ctx context.Context, cmd *cli.Command) error {
	return withApp(ctx, cmd, func(app *bootstrap.App) (any, error) {
		n, err := app.Pipeline.ForceProcess(ctx)
		return map[string]int{"rescheduled": n}, err
	})
}

// DrainFailedAction deletes failed jobs past retention.
func DrainFailedAction(ctx context.Context, cmd *cli.Command) error {
	return withApp(ctx, cmd, func(app *bootstrap.App) (any, error) {
		n, err := app.Pipeline.DrainFailedItems(ctx)
		return map[string]int{"drained": n}, err
	})
}

// ReclaimAction requeues zombie jobs.
func ReclaimAction(ctx context.Context, cmd *cli.Command) error {
	return withApp(ctx, cmd, func(app *bootstrap.App) (any, error) {
		n, err := app.Pipeline.ReclaimStuckItems(ctx)
		return map[string]int{"reclaimed": n}, err
	})
}

// EmergencyDrainAction drops old failures and resets long-running jobs.
func EmergencyDrainAction(ctx context.Context, cmd *cli.Command) error {
	if !cmd.Bool("yes") {
		return errors.New("emergency drain resets in-flight jobs; re-run with --yes to confirm")
	}
	return withApp(ctx, cmd, func(app *bootstrap.App) (any, error) {
		return app.Pipeline.EmergencyDrain(ctx)
	})
}

// SafeModeAction scores a deal with the degraded rule-based analyzer.
func SafeModeAction(ctx context.Context, cmd *cli.Command) error {
	return withApp(ctx, cmd, func(app *bootstrap.App) (any, error) {
		return app.Pipeline.SafeModeScore(ctx, cmd.String("deal-id"), cmd.String("fund-id"), nil)
	})
}

// EvidenceHistoryAction prints archived evidence appendix snapshots.
func EvidenceHistoryAction(ctx context.Context, cmd *cli.Command) error {
	return withApp(ctx, cmd, func(app *bootstrap.App) (any, error) {
		return app.Pipeline.GetEvidenceHistory(ctx, cmd.String("deal-id"))
	})
}
