package storage

import (
	"strings"

	"github.com/m-mizutani/goerr/v2"

	logx "birthdaybot/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return OpenSQLite(cfg, log)
	default:
		return nil, goerr.New("unknown storage driver", goerr.V("driver", driver))
	}
}
