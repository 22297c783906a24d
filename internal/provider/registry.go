package provider

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"smsmaster/internal/ratelimit"
)

var (
	ErrUnknownProvider   = errors.New("unknown provider")
	ErrDuplicateProvider = errors.New("provider already registered")
)

// Config is the registry-side view of one gateway.
type Config struct {
	Name          string          `json:"name"`
	Kind          string          `json:"kind"`
	Priority      int             `json:"priority"` // lower is tried first
	Active        bool            `json:"active"`
	RateLimit     ratelimit.Limit `json:"rate_limit"`
	CredentialRef string          `json:"credential_ref,omitempty"`
	Countries     []string        `json:"countries,omitempty"`
}

type entry struct {
	client Client
	cfg    Config
}

// Registry holds gateways keyed by name with priority and active flags.
// Rate limits are pushed into the shared limiter on every change.
type Registry struct {
	limiter *ratelimit.Limiter

	mu      sync.RWMutex
	entries map[string]*entry
}

func NewRegistry(limiter *ratelimit.Limiter) *Registry {
	return &Registry{limiter: limiter, entries: map[string]*entry{}}
}

func normName(n string) string { return strings.ToLower(strings.TrimSpace(n)) }

func (r *Registry) Register(c Client, cfg Config) error {
	if c == nil {
		return errors.New("provider client is nil")
	}
	name := normName(c.Name())
	if name == "" {
		return errors.New("provider name is required")
	}
	cfg.Name = c.Name()

	r.mu.Lock()
	if _, ok := r.entries[name]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, name)
	}
	r.entries[name] = &entry{client: c, cfg: cfg}
	r.mu.Unlock()

	if r.limiter != nil {
		r.limiter.Configure(name, cfg.RateLimit)
	}
	return nil
}

func (r *Registry) Get(name string) (Client, Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[normName(name)]
	if !ok {
		return nil, Config{}, false
	}
	return e.client, e.cfg, true
}

func (r *Registry) IsActive(name string) bool {
	_, cfg, ok := r.Get(name)
	return ok && cfg.Active
}

// List returns configs ordered by priority, then name.
func (r *Registry) List() []Config {
	r.mu.RLock()
	out := make([]Config, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.cfg)
	}
	r.mu.RUnlock()
	sortConfigs(out)
	return out
}

func sortConfigs(cs []Config) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Priority != cs[j].Priority {
			return cs[i].Priority < cs[j].Priority
		}
		return normName(cs[i].Name) < normName(cs[j].Name)
	})
}

func (r *Registry) SetActive(name string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[normName(name)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	e.cfg.Active = active
	return nil
}

func (r *Registry) Activate(name string) error   { return r.SetActive(name, true) }
func (r *Registry) Deactivate(name string) error { return r.SetActive(name, false) }

func (r *Registry) SetRateLimit(name string, lim ratelimit.Limit) error {
	r.mu.Lock()
	e, ok := r.entries[normName(name)]
	if ok {
		e.cfg.RateLimit = lim
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	if r.limiter != nil {
		r.limiter.Configure(normName(name), lim)
	}
	return nil
}

// Apply updates the mutable settings of an already registered gateway
// (priority, active flag, rate limit, countries). Kind and credentials
// are fixed at construction.
func (r *Registry) Apply(cfg Config) error {
	name := normName(cfg.Name)
	r.mu.Lock()
	e, ok := r.entries[name]
	if ok {
		e.cfg.Priority = cfg.Priority
		e.cfg.Active = cfg.Active
		e.cfg.RateLimit = cfg.RateLimit
		e.cfg.Countries = append([]string(nil), cfg.Countries...)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Name)
	}
	if r.limiter != nil {
		r.limiter.Configure(name, cfg.RateLimit)
	}
	return nil
}

func (r *Registry) supports(e *entry, recipient string) bool {
	return regionAllowed(e.cfg.Countries, recipient) && e.client.SupportsRecipient(recipient)
}

// Candidates returns the ordered gateways to try for one occurrence.
//
// An active hint goes first, followed by every other active gateway by
// priority so failover stays possible. Gateways that cannot reach the
// recipient are filtered out. An inactive or unknown hint is ignored.
func (r *Registry) Candidates(hint, recipient string) []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.cfg.Active && r.supports(e, recipient) {
			active = append(active, e)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].cfg.Priority != active[j].cfg.Priority {
			return active[i].cfg.Priority < active[j].cfg.Priority
		}
		return normName(active[i].cfg.Name) < normName(active[j].cfg.Name)
	})

	out := make([]Client, 0, len(active))
	h := normName(hint)
	if h != "" {
		for _, e := range active {
			if normName(e.cfg.Name) == h {
				out = append(out, e.client)
				break
			}
		}
	}
	for _, e := range active {
		if h != "" && normName(e.cfg.Name) == h {
			continue
		}
		out = append(out, e.client)
	}
	return out
}

// CheckRequested validates a provider hint at schedule-add time.
func (r *Registry) CheckRequested(hint, recipient string) error {
	h := normName(hint)
	if h == "" || h == "auto" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[h]
	switch {
	case !ok:
		return fmt.Errorf("%w: %s", ErrUnknownProvider, hint)
	case !e.cfg.Active:
		return fmt.Errorf("provider %s is not active", e.cfg.Name)
	case !r.supports(e, recipient):
		return fmt.Errorf("provider %s cannot deliver to %s", e.cfg.Name, recipient)
	}
	return nil
}
