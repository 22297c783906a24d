package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks struct tags, duration fields and cross-field rules.
// It does not touch the network or the filesystem.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := structValidator().Struct(cfg); err != nil {
		var ves validator.ValidationErrors
		if errors.As(err, &ves) {
			msgs := make([]string, 0, len(ves))
			for _, fe := range ves {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if _, err := cfg.Scheduler.Resolve(); err != nil {
		return err
	}
	if _, err := cfg.Dispatch.Resolve(); err != nil {
		return err
	}
	if _, err := cfg.Storage.BusyTimeoutOrDefault(); err != nil {
		return err
	}
	if _, _, err := cfg.HTTP.Resolve(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		key := strings.ToLower(strings.TrimSpace(p.Name))
		if seen[key] {
			return fmt.Errorf("providers: duplicate name %q", p.Name)
		}
		seen[key] = true
		if _, err := p.Limit(); err != nil {
			return err
		}
	}
	return nil
}
