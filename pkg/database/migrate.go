package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"team-copilot-go/pkg/log"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate 对 PostgreSQL 执行内置的迁移脚本。
// direction 为 "up" 或 "down"；steps>0 时只执行指定步数。
func Migrate(dsn, direction string, steps int) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("加载迁移脚本失败: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("初始化迁移失败: %w", err)
	}
	defer m.Close()

	switch {
	case steps > 0 && direction == "down":
		err = m.Steps(-steps)
	case steps > 0:
		err = m.Steps(steps)
	case direction == "down":
		err = m.Down()
	case direction == "up":
		err = m.Up()
	default:
		return fmt.Errorf("未知的迁移方向: %s", direction)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("执行迁移失败: %w", err)
	}

	version, dirty, verr := m.Version()
	if verr == nil {
		log.Infof("数据库迁移完成, version: %d, dirty: %v", version, dirty)
	}
	return nil
}
