package provider_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"smsmaster/internal/provider"
	"smsmaster/internal/provider/providertest"
	"smsmaster/internal/ratelimit"
)

func names(cs []provider.Client) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Name())
	}
	return out
}

func newRegistry(t *testing.T) *provider.Registry {
	t.Helper()
	r := provider.NewRegistry(ratelimit.New(nil))
	for _, c := range []provider.Config{
		{Name: "twilio", Priority: 1, Active: true},
		{Name: "textbelt", Priority: 2, Active: true},
		{Name: "backup", Priority: 3, Active: false},
		{Name: "us-only", Priority: 0, Active: true, Countries: []string{"US"}},
	} {
		if err := r.Register(providertest.New(c.Name), c); err != nil {
			t.Fatalf("register %s: %v", c.Name, err)
		}
	}
	return r
}

func TestCandidatesOrderAndFilter(t *testing.T) {
	t.Parallel()
	r := newRegistry(t)

	cases := []struct {
		hint, recipient string
		want            string
	}{
		{"", "+442071838750", "[twilio textbelt]"},
		{"", "+14155552671", "[us-only twilio textbelt]"},
		{"textbelt", "+14155552671", "[textbelt us-only twilio]"},
		{"backup", "+442071838750", "[twilio textbelt]"},
		{"nope", "+442071838750", "[twilio textbelt]"},
		{"", "4155552671", "[twilio textbelt]"},
	}
	for _, tc := range cases {
		got := fmt.Sprint(names(r.Candidates(tc.hint, tc.recipient)))
		if got != tc.want {
			t.Fatalf("Candidates(%q,%q)=%s want %s", tc.hint, tc.recipient, got, tc.want)
		}
	}
}

func TestActivateAndApply(t *testing.T) {
	t.Parallel()
	r := newRegistry(t)

	if err := r.Activate("BACKUP"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := r.Apply(provider.Config{Name: "backup", Priority: -1, Active: true}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got := fmt.Sprint(names(r.Candidates("", "+442071838750")))
	if got != "[backup twilio textbelt]" {
		t.Fatalf("got %s", got)
	}
	if err := r.Deactivate("twilio"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if r.IsActive("twilio") {
		t.Fatalf("twilio should be inactive")
	}
	if err := r.Activate("ghost"); !errors.Is(err, provider.ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	t.Parallel()
	r := newRegistry(t)
	err := r.Register(providertest.New("Twilio"), provider.Config{})
	if !errors.Is(err, provider.ErrDuplicateProvider) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestCheckRequested(t *testing.T) {
	t.Parallel()
	r := newRegistry(t)

	if err := r.CheckRequested("", "+14155552671"); err != nil {
		t.Fatalf("auto: %v", err)
	}
	if err := r.CheckRequested("auto", "+14155552671"); err != nil {
		t.Fatalf("auto: %v", err)
	}
	if err := r.CheckRequested("twilio", "+14155552671"); err != nil {
		t.Fatalf("active: %v", err)
	}
	if err := r.CheckRequested("backup", "+14155552671"); err == nil {
		t.Fatalf("inactive provider must be rejected")
	}
	if err := r.CheckRequested("us-only", "+442071838750"); err == nil {
		t.Fatalf("unsupported region must be rejected")
	}
	if err := r.CheckRequested("missing", "+14155552671"); !errors.Is(err, provider.ErrUnknownProvider) {
		t.Fatalf("expected unknown provider, got %v", err)
	}
}

func TestSetRateLimitReachesLimiter(t *testing.T) {
	t.Parallel()

	lim := ratelimit.New(nil)
	r := provider.NewRegistry(lim)
	if err := r.Register(providertest.New("A"), provider.Config{Active: true}); err != nil {
		t.Fatal(err)
	}
	if err := r.SetRateLimit("a", ratelimit.Limit{Max: 1, Window: time.Hour}); err != nil {
		t.Fatal(err)
	}
	if _, ok := lim.Acquire("A"); !ok {
		t.Fatalf("first acquire should pass")
	}
	if _, ok := lim.Acquire("A"); ok {
		t.Fatalf("second acquire should be limited")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		kind provider.Kind
		code provider.Code
	}{
		{provider.Permanent(provider.CodeInvalidRecipient, errors.New("bad")), provider.KindPermanent, provider.CodeInvalidRecipient},
		{fmt.Errorf("wrap: %w", provider.Transient(provider.CodeServer, nil)), provider.KindTransient, provider.CodeServer},
		{context.DeadlineExceeded, provider.KindTransient, provider.CodeTimeout},
		{fmt.Errorf("resolve: %w", provider.ErrCredential), provider.KindPermanent, provider.CodeCredential},
		{errors.New("mystery"), provider.KindTransient, provider.CodeNetwork},
	}
	for _, tc := range cases {
		k, c := provider.Classify(tc.err)
		if k != tc.kind || c != tc.code {
			t.Fatalf("Classify(%v)=(%v,%v) want (%v,%v)", tc.err, k, c, tc.kind, tc.code)
		}
	}
}

func TestFromHTTPStatus(t *testing.T) {
	t.Parallel()

	cases := map[int]provider.Kind{
		400: provider.KindPermanent,
		401: provider.KindPermanent,
		404: provider.KindPermanent,
		408: provider.KindTransient,
		429: provider.KindTransient,
		500: provider.KindTransient,
		503: provider.KindTransient,
	}
	for status, want := range cases {
		e := provider.FromHTTPStatus("x", status, 0, nil)
		if e.Kind != want {
			t.Fatalf("status %d: kind %v want %v", status, e.Kind, want)
		}
	}
	if e := provider.FromHTTPStatus("x", 429, 3*time.Second, nil); provider.RetryAfterHint(e) != 3*time.Second {
		t.Fatalf("retry-after hint lost")
	}
}
