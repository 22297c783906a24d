package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// Env resolves credentials from variables named <PREFIX><REF>_<FIELD>,
// e.g. SMSMASTER_TWILIO_AUTH_TOKEN for ref "twilio", field "auth_token".
//
// Values from the dotenv file override the process environment. Put writes
// back to the dotenv file when one is configured.
type Env struct {
	prefix string
	path   string

	mu      sync.RWMutex
	overlay map[string]string
	environ func() []string
}

func NewEnv(prefix, dotenvPath string) (*Env, error) {
	e := &Env{
		prefix:  strings.ToUpper(strings.TrimSpace(prefix)),
		path:    strings.TrimSpace(dotenvPath),
		overlay: map[string]string{},
		environ: os.Environ,
	}
	if e.path != "" {
		m, err := godotenv.Read(e.path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read dotenv %s: %w", e.path, err)
		}
		for k, v := range m {
			e.overlay[k] = v
		}
	}
	return e, nil
}

func (e *Env) keyPrefix(ref string) string {
	r := strings.ToUpper(strings.TrimSpace(ref))
	r = strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(r)
	return e.prefix + r + "_"
}

func (e *Env) Resolve(_ context.Context, ref string) (Credential, error) {
	kp := e.keyPrefix(ref)
	out := Credential{}
	for _, kv := range e.environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, kp) && len(k) > len(kp) {
			out[strings.ToLower(k[len(kp):])] = v
		}
	}
	e.mu.RLock()
	for k, v := range e.overlay {
		if strings.HasPrefix(k, kp) && len(k) > len(kp) {
			out[strings.ToLower(k[len(kp):])] = v
		}
	}
	e.mu.RUnlock()
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no %s* variables", ErrNotFound, kp)
	}
	return out, nil
}

func (e *Env) Put(_ context.Context, ref string, c Credential) error {
	kp := e.keyPrefix(ref)
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range c {
		e.overlay[kp+strings.ToUpper(strings.TrimSpace(k))] = v
	}
	if e.path == "" {
		return nil
	}
	snapshot := make(map[string]string, len(e.overlay))
	for k, v := range e.overlay {
		snapshot[k] = v
	}
	if err := godotenv.Write(snapshot, e.path); err != nil {
		return fmt.Errorf("write dotenv %s: %w", e.path, err)
	}
	return nil
}
