// Package providertest offers a scripted provider.Client for tests.
package providertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"smsmaster/internal/provider"
)

// Call records one Send invocation.
type Call struct {
	Recipient string
	Body      string
	At        time.Time
}

// Fake replays scripted results in order; once the script is used up every
// call succeeds.
type Fake struct {
	name string

	mu       sync.Mutex
	script   []error
	calls    []Call
	delay    time.Duration
	prefixes []string // when set, only recipients with one of these prefixes are supported
	valErr   error
	onSend   func(n int)
}

func New(name string, script ...error) *Fake {
	return &Fake{name: name, script: script}
}

func (f *Fake) Name() string { return f.name }

// WithDelay makes every Send block for d (or until ctx ends).
func (f *Fake) WithDelay(d time.Duration) *Fake {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
	return f
}

// OnlyPrefixes limits SupportsRecipient to the given prefixes.
func (f *Fake) OnlyPrefixes(p ...string) *Fake {
	f.mu.Lock()
	f.prefixes = p
	f.mu.Unlock()
	return f
}

// OnSend runs after each call is recorded, with the 1-based call count.
func (f *Fake) OnSend(fn func(n int)) *Fake {
	f.mu.Lock()
	f.onSend = fn
	f.mu.Unlock()
	return f
}

func (f *Fake) SetValidateError(err error) {
	f.mu.Lock()
	f.valErr = err
	f.mu.Unlock()
}

func (f *Fake) Send(ctx context.Context, recipient, body string) (provider.Receipt, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Recipient: recipient, Body: body, At: time.Now()})
	n := len(f.calls)
	var err error
	if len(f.script) > 0 {
		err = f.script[0]
		f.script = f.script[1:]
	}
	delay := f.delay
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return provider.Receipt{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return provider.Receipt{}, err
	}
	return provider.Receipt{MessageID: fmt.Sprintf("%s-%d", f.name, n), Status: "accepted"}, nil
}

func (f *Fake) Validate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.valErr
}

func (f *Fake) SupportsRecipient(recipient string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prefixes) == 0 {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(recipient, p) {
			return true
		}
	}
	return false
}

func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
