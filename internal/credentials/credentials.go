// Package credentials resolves opaque provider credential references.
//
// Backends: environment (+ optional dotenv file), the OS keyring, and memory.
// Credential material never appears in logs; only field names do.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("credential not found")

// Credential is a set of named secret fields (e.g. account_sid, auth_token).
type Credential map[string]string

func (c Credential) Get(field string) string { return strings.TrimSpace(c[strings.ToLower(field)]) }

// Fields returns the sorted field names; safe to log.
func (c Credential) Fields() []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Require returns an error naming the first missing field.
func (c Credential) Require(fields ...string) error {
	for _, f := range fields {
		if c.Get(f) == "" {
			return fmt.Errorf("%w: field %q missing", ErrNotFound, f)
		}
	}
	return nil
}

type Store interface {
	Resolve(ctx context.Context, ref string) (Credential, error)
}

// Writer is implemented by stores that accept updates (providerConfigure).
type Writer interface {
	Store
	Put(ctx context.Context, ref string, c Credential) error
}

var secretPattern = regexp.MustCompile(`^[A-Za-z0-9_\-.]{8,}$`)

// ValidateSecret enforces the minimal shape of API keys and tokens.
func ValidateSecret(field, v string) error {
	if !secretPattern.MatchString(strings.TrimSpace(v)) {
		return fmt.Errorf("credential field %q must be at least 8 characters of [A-Za-z0-9_-.]", field)
	}
	return nil
}

func normalize(c Credential) Credential {
	out := make(Credential, len(c))
	for k, v := range c {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}

func normRef(ref string) string { return strings.ToLower(strings.TrimSpace(ref)) }

// Memory keeps credentials in process; used for tests and dry runs.
type Memory struct {
	mu sync.RWMutex
	m  map[string]Credential
}

func NewMemory() *Memory { return &Memory{m: map[string]Credential{}} }

func (s *Memory) Resolve(_ context.Context, ref string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.m[normRef(ref)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return normalize(c), nil
}

func (s *Memory) Put(_ context.Context, ref string, c Credential) error {
	s.mu.Lock()
	s.m[normRef(ref)] = normalize(c)
	s.mu.Unlock()
	return nil
}
