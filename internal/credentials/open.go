package credentials

import (
	"fmt"
	"strings"
)

type Config struct {
	Driver         string // env | keyring | memory
	Dotenv         string
	EnvPrefix      string
	KeyringService string
}

func Open(cfg Config) (Writer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "env":
		prefix := cfg.EnvPrefix
		if strings.TrimSpace(prefix) == "" {
			prefix = "SMSMASTER_"
		}
		return NewEnv(prefix, cfg.Dotenv)
	case "keyring":
		return NewKeyring(cfg.KeyringService), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown credentials driver: %s", cfg.Driver)
	}
}
