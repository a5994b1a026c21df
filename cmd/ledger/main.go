package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"creditflow/internal/auth"
	"creditflow/pkg/config"
	"creditflow/pkg/db"
	"creditflow/pkg/httpapi"
	"creditflow/pkg/logger"
	"creditflow/pkg/otelcol"
	"creditflow/pkg/redis"
	"creditflow/pkg/sequence"
	"creditflow/pkg/server"
	"creditflow/services/ledger"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		otelcol.Module,
		db.Module,
		redis.Module,
		sequence.Module,
		auth.Module,
		fx.Provide(
			provideSnowflakeNode,
		),
		httpapi.Module,
		ledger.Module,
		ledger.Gateway,
		server.ProvideHTTPServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "development" {
		return &fxevent.ZapLogger{Logger: logger}
	}
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
