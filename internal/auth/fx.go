package auth

import (
	"creditflow/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("auth", fx.Provide(provideVerifier))

func provideVerifier(cfg *config.Config) *Verifier {
	v := NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if v == nil {
		zap.L().Warn("AUTH.JWT_SECRET not set, ledger API runs without authentication")
	}
	return v
}
