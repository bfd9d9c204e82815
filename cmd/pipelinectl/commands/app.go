package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"dealflow-backend/internal/bootstrap"
	"dealflow-backend/internal/shared/config"
	"dealflow-backend/internal/shared/storage/db"
	"dealflow-backend/internal/shared/telemetry"
)

// BuildApp wires the pipeline for one CLI invocation. Tests replace it.
var BuildApp = func(ctx context.Context, envFile string) (*bootstrap.App, error) {
	cfg := config.LoadFile(envFile)
	telemetry.Configure(os.Stderr, cfg.LogLevel)
	return bootstrap.Build(ctx, cfg, bootstrap.Options{DBOptions: db.DefaultMigrateOptions()})
}

func withApp(ctx context.Context, cmd *cli.Command, fn func(app *bootstrap.App) (any, error)) error {
	app, err := BuildApp(ctx, cmd.String("env"))
	if err != nil {
		return fmt.Errorf("initialize pipeline: %w", err)
	}
	defer app.Close()

	out, err := fn(app)
	if err != nil {
		return err
	}
	return writeJSON(cmd.Root().Writer, out)
}

func writeJSON(w io.Writer, v any) error {
	if w == nil {
		w = os.Stdout
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
