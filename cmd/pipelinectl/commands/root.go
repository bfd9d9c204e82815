package commands

import "github.com/urfave/cli/v3"

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "env file to load before reading the environment",
		Value: ".env",
	}
}

// Root builds the pipelinectl command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name:  "pipelinectl",
		Usage: "operate the deal analysis pipeline",
		Commands: []*cli.Command{
			{
				Name:  "health",
				Usage: "show queue health",
				Flags: []cli.Flag{
					envFlag(),
					&cli.StringFlag{Name: "fund-id", Usage: "scope statistics to one fund"},
				},
				Action: HealthAction,
			},
			{
				Name:  "enqueue",
				Usage: "submit a deal for analysis",
				Flags: []cli.Flag{
					envFlag(),
					&cli.StringFlag{Name: "deal-id", Usage: "deal to analyze", Required: true},
					&cli.StringFlag{Name: "fund-id", Usage: "owning fund"},
					&cli.StringFlag{Name: "priority", Usage: "high, normal or low", Value: "normal"},
					&cli.StringFlag{Name: "trigger", Usage: "trigger reason", Value: "manual"},
					&cli.BoolFlag{Name: "safe-mode", Usage: "run the degraded rule-based scorer instead of engines"},
				},
				Action: EnqueueAction,
			},
			{
				Name:  "job",
				Usage: "inspect jobs",
				Commands: []*cli.Command{
					{
						Name:  "show",
						Usage: "show one job",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{Name: "id", Usage: "job id", Required: true},
						},
						Action: JobShowAction,
					},
				},
			},
			{
				Name:   "force-process",
				Usage:  "make every queued job eligible now",
				Flags:  []cli.Flag{envFlag()},
				Action: ForceProcessAction,
			},
			{
				Name:   "drain-failed",
				Usage:  "delete failed jobs past retention",
				Flags:  []cli.Flag{envFlag()},
				Action: DrainFailedAction,
			},
			{
				Name:   "reclaim",
				Usage:  "requeue processing jobs without a recent heartbeat",
				Flags:  []cli.Flag{envFlag()},
				Action: ReclaimAction,
			},
			{
				Name:  "emergency-drain",
				Usage: "delete old failures and reset long-running jobs",
				Flags: []cli.Flag{
					envFlag(),
					&cli.BoolFlag{Name: "yes", Usage: "confirm the drain"},
				},
				Action: EmergencyDrainAction,
			},
			{
				Name:  "safe-mode",
				Usage: "score a deal with the degraded analyzer",
				Flags: []cli.Flag{
					envFlag(),
					&cli.StringFlag{Name: "deal-id", Usage: "deal to score", Required: true},
					&cli.StringFlag{Name: "fund-id", Usage: "fund mandate to score against"},
				},
				Action: SafeModeAction,
			},
			{
				Name:  "evidence-history",
				Usage: "list archived evidence appendix snapshots for a deal",
				Flags: []cli.Flag{
					envFlag(),
					&cli.StringFlag{Name: "deal-id", Usage: "deal to inspect", Required: true},
				},
				Action: EvidenceHistoryAction,
			},
		},
	}
}
