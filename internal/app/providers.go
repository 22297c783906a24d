package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"smsmaster/internal/config"
	"smsmaster/internal/credentials"
	"smsmaster/internal/provider"
	"smsmaster/internal/provider/console"
	"smsmaster/internal/provider/telegram"
	"smsmaster/internal/provider/textbelt"
	"smsmaster/internal/provider/twilio"
	"smsmaster/internal/ratelimit"
	logx "smsmaster/pkg/logx"
)

const providerTestTimeout = 15 * time.Second

// secretFields are the credential fields checked by ValidateSecret per kind.
// Twilio's from_number is a phone number and is not checked here.
var secretFields = map[string][]string{
	"twilio":   {"account_sid", "auth_token"},
	"textbelt": {"key"},
	"telegram": {"token"},
}

func buildClient(pc config.ProviderConfig, creds credentials.Store, log logx.Logger) (provider.Client, error) {
	switch strings.ToLower(pc.Kind) {
	case "twilio":
		return twilio.New(twilio.Config{
			Name:          pc.Name,
			BaseURL:       pc.BaseURL,
			CredentialRef: pc.Ref(),
			From:          pc.From,
			DefaultRegion: pc.DefaultRegion,
		}, creds), nil
	case "textbelt":
		return textbelt.New(textbelt.Config{
			Name:          pc.Name,
			BaseURL:       pc.BaseURL,
			CredentialRef: pc.Ref(),
			DefaultRegion: pc.DefaultRegion,
		}, creds), nil
	case "telegram":
		return telegram.New(telegram.Config{
			Name:          pc.Name,
			BaseURL:       pc.BaseURL,
			CredentialRef: pc.Ref(),
		}, creds), nil
	case "console":
		return console.New(pc.Name, log), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", pc.Kind)
	}
}

func registryConfig(pc config.ProviderConfig) (provider.Config, error) {
	lim, err := pc.Limit()
	if err != nil {
		return provider.Config{}, err
	}
	return provider.Config{
		Name:          pc.Name,
		Kind:          strings.ToLower(pc.Kind),
		Priority:      pc.Priority,
		Active:        pc.IsActive(),
		RateLimit:     ratelimit.Limit{Max: lim.Max, Window: lim.Window},
		CredentialRef: pc.Ref(),
		Countries:     pc.Countries,
	}, nil
}

// applyProviders registers new gateways and pushes the live fields of known
// ones. Kind and credentials of a registered gateway need a restart; a
// gateway removed from the file is deactivated.
func (a *App) applyProviders(cfg *config.Config) error {
	seen := map[string]bool{}
	for _, pc := range cfg.Providers {
		rc, err := registryConfig(pc)
		if err != nil {
			return err
		}
		seen[strings.ToLower(strings.TrimSpace(pc.Name))] = true

		if _, cur, ok := a.registry.Get(pc.Name); ok {
			if cur.Kind != rc.Kind || cur.CredentialRef != rc.CredentialRef {
				a.log.Warn("provider kind or credential_ref changed; restart required", logx.Provider(pc.Name))
			}
			if err := a.registry.Apply(rc); err != nil {
				return err
			}
			continue
		}

		c, err := buildClient(pc, a.creds, a.log.With(logx.String("comp", "provider")))
		if err != nil {
			return err
		}
		if err := a.registry.Register(c, rc); err != nil {
			return err
		}
		a.log.Debug("provider registered",
			logx.Provider(pc.Name),
			logx.String("kind", rc.Kind),
			logx.Int("priority", rc.Priority),
			logx.Bool("active", rc.Active),
		)
	}
	for _, rc := range a.registry.List() {
		if !seen[strings.ToLower(rc.Name)] && rc.Active {
			_ = a.registry.Deactivate(rc.Name)
			a.log.Warn("provider removed from config; deactivated", logx.Provider(rc.Name))
		}
	}
	return nil
}

// Providers lists the registered gateways ordered by priority.
func (a *App) Providers() []provider.Config { return a.registry.List() }

func (a *App) ProviderActivate(ctx context.Context, name string) error {
	return a.setProviderActive(ctx, name, true)
}

func (a *App) ProviderDeactivate(ctx context.Context, name string) error {
	return a.setProviderActive(ctx, name, false)
}

// setProviderActive flips the flag live and writes it to the config file so
// a running daemon and the next start agree.
func (a *App) setProviderActive(ctx context.Context, name string, active bool) error {
	if _, _, ok := a.registry.Get(name); !ok {
		return fmt.Errorf("%w: %s", provider.ErrUnknownProvider, name)
	}
	if _, err := a.cfgm.Update(ctx, func(cfg *config.Config) error {
		pc, err := findProvider(cfg, name)
		if err != nil {
			return err
		}
		v := active
		pc.Active = &v
		return nil
	}); err != nil {
		return err
	}
	if err := a.registry.SetActive(name, active); err != nil {
		return err
	}
	a.log.Info("provider active flag changed", logx.Provider(name), logx.Bool("active", active))
	return nil
}

// ConfigureRequest updates a gateway's credentials and/or rate limit.
type ConfigureRequest struct {
	Credentials map[string]string
	RateLimit   *config.RateLimitConfig
}

func (a *App) ProviderConfigure(ctx context.Context, name string, req ConfigureRequest) error {
	_, rc, ok := a.registry.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", provider.ErrUnknownProvider, name)
	}

	if len(req.Credentials) > 0 {
		cred := credentials.Credential{}
		for k, v := range req.Credentials {
			cred[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
		for _, f := range secretFields[rc.Kind] {
			if v, ok := cred[f]; ok {
				if err := credentials.ValidateSecret(f, v); err != nil {
					return err
				}
			}
		}
		if err := a.creds.Put(ctx, rc.CredentialRef, cred); err != nil {
			return fmt.Errorf("store credentials: %w", err)
		}
		a.log.Info("provider credentials updated", logx.Provider(rc.Name), logx.Any("fields", cred.Fields()))
	}

	if req.RateLimit != nil {
		var lim config.RateLimit
		if _, err := a.cfgm.Update(ctx, func(cfg *config.Config) error {
			pc, err := findProvider(cfg, name)
			if err != nil {
				return err
			}
			pc.RateLimit = *req.RateLimit
			lim, err = pc.Limit()
			return err
		}); err != nil {
			return err
		}
		if err := a.registry.SetRateLimit(name, ratelimit.Limit{Max: lim.Max, Window: lim.Window}); err != nil {
			return err
		}
		a.log.Info("provider rate limit updated", logx.Provider(rc.Name), logx.Int("max", lim.Max), logx.Duration("window", lim.Window))
	}
	return nil
}

// ProviderTest runs the gateway's credential and reachability check.
func (a *App) ProviderTest(ctx context.Context, name string) error {
	c, _, ok := a.registry.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", provider.ErrUnknownProvider, name)
	}
	ctx, cancel := context.WithTimeout(ctx, providerTestTimeout)
	defer cancel()
	return c.Validate(ctx)
}

func findProvider(cfg *config.Config, name string) (*config.ProviderConfig, error) {
	for i := range cfg.Providers {
		if strings.EqualFold(strings.TrimSpace(cfg.Providers[i].Name), strings.TrimSpace(name)) {
			return &cfg.Providers[i], nil
		}
	}
	return nil, errors.New("provider " + name + " is not declared in the config file")
}
