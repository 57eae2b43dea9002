package server

import (
	gwconfig "github.com/fernlab-dev/agentgateway/config"
	"github.com/fernlab-dev/agentgateway/db"
)

// ToDBConfig converts the gateway's env-sourced configuration to the db
// package's connection settings, teacher pattern from server/config.go.
func ToDBConfig(cfg *gwconfig.Config) db.Config {
	return db.Config{
		Path:            cfg.DatabasePath,
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 0,
		LogQueries:      cfg.DBLogQueries,
	}
}
