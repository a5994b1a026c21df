package ledger

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("ledger.service",
	fx.Provide(
		NewRepository,
		NewService,
		NewHandler,
	),
	fx.Invoke(registerMigration),
)

var Gateway = fx.Module("ledger.gateway",
	fx.Invoke(registerRoutes),
)

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &Entry{})
}

func registerMigration(lc fx.Lifecycle, db *gorm.DB) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := Migrate(db.WithContext(ctx)); err != nil {
				zap.L().Error("failed to migrate ledger tables", zap.Error(err))
				return err
			}
			return nil
		},
	})
}

func registerRoutes(engine *gin.Engine, h *Handler) {
	h.Register(engine.Group("/v1"))
}
