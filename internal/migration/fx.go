package migration

import (
	"github.com/smallbiznis/orderpay/internal/config"
	"github.com/smallbiznis/orderpay/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if !cfg.DBAutoMigrate {
			return nil
		}
		return Run(conn, log)
	}),
)

// Run migrates conn according to its dialect.
func Run(conn *gorm.DB, log *zap.Logger) error {
	switch db.Name(conn) {
	case db.DialectPostgres:
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		version, err := Up(sqlDB)
		if err != nil {
			return err
		}
		logVersion(log, version)
		return nil
	case db.DialectSQLite:
		return ApplySchema(conn)
	default:
		log.Warn("automatic migrations are only supported on postgres and sqlite",
			zap.String("dialect", db.Name(conn)))
		return nil
	}
}
