package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/hollis/atlas/internal"
	pkgconfig "github.com/hollis/atlas/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadOptional(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}

	return nil
}

func pipelineRun(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	status, runErr := internal.RunPipelineCommand(ctx, cfg, cmd.String("command"))
	printStatus(status)
	return runErr
}

func pipelineStatus(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	status, err := internal.PipelineStatusCommand(ctx, cfg, cmd.String("command"))
	if err != nil {
		return err
	}
	printStatus(status)
	return nil
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.ServeMCP(ctx, cfg)
}

func printStatus(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	fmt.Println(string(out))
}

func main() {
	configFlag := &cli.StringFlag{
		Name:        "config",
		Aliases:     []string{"c"},
		Usage:       "Path to config file",
		DefaultText: "config/config.yaml",
		Value:       "config/config.yaml",
		Sources:     cli.EnvVars("APP_CONFIG_FILE"),
	}
	commandFlag := &cli.StringFlag{
		Name:  "command",
		Usage: "Pipeline command name",
		Value: internal.DailyBriefCommand,
	}

	cmd := &cli.Command{
		Name:  "atlas",
		Usage: "Workspace sync engine: file-tree records projected into a queryable cache, with a resumable briefing pipeline",
		Flags: []cli.Flag{configFlag},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API, file watcher, and SSE event stream",
				Flags:  []cli.Flag{configFlag},
				Action: serve,
			},
			{
				Name:  "pipeline",
				Usage: "Drive the gather/enrich/deliver pipeline",
				Commands: []*cli.Command{
					{
						Name:   "run",
						Usage:  "Advance a pipeline command by one stage",
						Flags:  []cli.Flag{configFlag, commandFlag},
						Action: pipelineRun,
					},
					{
						Name:   "status",
						Usage:  "Inspect a pipeline command without advancing it",
						Flags:  []cli.Flag{configFlag, commandFlag},
						Action: pipelineStatus,
					},
				},
			},
			{
				Name:   "mcp",
				Usage:  "Serve workspace tools over MCP stdio",
				Flags:  []cli.Flag{configFlag},
				Action: serveMCP,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
