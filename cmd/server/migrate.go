package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"team-copilot-go/internal/config"
	"team-copilot-go/pkg/database"
	"team-copilot-go/pkg/log"
)

func newMigrateCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "执行 PostgreSQL 数据库迁移",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
			defer log.Sync()

			if cfg.Database.Driver != "postgres" {
				return fmt.Errorf("migrate 只支持 postgres，当前 driver=%s", cfg.Database.Driver)
			}
			return database.Migrate(cfg.Database.Postgres.DSN, direction, steps)
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "只执行指定步数，0 表示全部")
	return cmd
}
