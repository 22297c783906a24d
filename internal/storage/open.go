package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/afero"

	"smsmaster/pkg/logx"
)

// Open initializes the configured backend, wrapping it with the JSON-lines
// history mirror when HistoryFile is set.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))

	var (
		st  Store
		err error
	)
	switch driver {
	case "memory":
		st = NewMemory()
	case "", "sqlite", "sqlite3":
		st, err = OpenSQLite(ctx, cfg, log)
	case "postgres", "postgresql":
		st, err = OpenPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}

	if p := strings.TrimSpace(cfg.HistoryFile); p != "" {
		mirrored, err := WithHistoryFile(st, afero.NewOsFs(), p, log)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		st = mirrored
	}
	log.Info("storage opened", logx.String("driver", driver))
	return st, nil
}
