package app

import (
	"fmt"
	"strings"

	"smsmaster/internal/config"
	"smsmaster/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	out := storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		HistoryFile: strings.TrimSpace(sc.HistoryFile),
	}
	switch driver {
	case "memory":
	case "sqlite", "sqlite3":
		if out.Path == "" {
			out.Path = config.DefaultSQLitePath
		}
		busy, err := sc.BusyTimeoutOrDefault()
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	case "postgres", "postgresql":
		if out.DSN == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}
