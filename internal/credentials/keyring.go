package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

// Keyring stores one JSON document per ref in the OS keyring
// (Secret Service, macOS Keychain, Windows Credential Manager).
type Keyring struct {
	service string
}

func NewKeyring(service string) *Keyring {
	s := strings.TrimSpace(service)
	if s == "" {
		s = "smsmaster"
	}
	return &Keyring{service: s}
}

func (k *Keyring) Resolve(_ context.Context, ref string) (Credential, error) {
	raw, err := keyring.Get(k.service, normRef(ref))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("keyring get %s: %w", ref, err)
	}
	var c Credential
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("keyring entry %s: %w", ref, err)
	}
	return normalize(c), nil
}

func (k *Keyring) Put(_ context.Context, ref string, c Credential) error {
	b, err := json.Marshal(normalize(c))
	if err != nil {
		return err
	}
	if err := keyring.Set(k.service, normRef(ref), string(b)); err != nil {
		return fmt.Errorf("keyring set %s: %w", ref, err)
	}
	return nil
}

func (k *Keyring) Delete(_ context.Context, ref string) error {
	err := keyring.Delete(k.service, normRef(ref))
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}
