package db

import (
	"testing"

	"creditflow/pkg/config"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
)

func TestDialectSelection(t *testing.T) {
	cfg := &config.Config{}

	cfg.Database.Type = "postgres"
	cfg.Database.Host = "db"
	cfg.Database.DBNAME = "credits"
	d, err := Dialect(cfg)
	require.NoError(t, err)
	pg, ok := d.(*postgres.Dialector)
	require.True(t, ok)
	require.Contains(t, pg.Config.DSN, "dbname=credits")

	cfg.Database.Type = "mysql"
	d, err = Dialect(cfg)
	require.NoError(t, err)
	require.IsType(t, &mysql.Dialector{}, d)

	cfg.Database.Type = "sqlite"
	d, err = Dialect(cfg)
	require.NoError(t, err)
	require.IsType(t, &sqlite.Dialector{}, d)

	cfg.Database.Type = "oracle"
	_, err = Dialect(cfg)
	require.Error(t, err)
}
