package domain

import "testing"

func TestCanTransition(t *testing.T) {
	t.Parallel()

	allowed := map[[2]Status]bool{
		{StatusPending, StatusDispatching}:     true,
		{StatusPending, StatusCanceled}:        true,
		{StatusDispatching, StatusPending}:     true,
		{StatusDispatching, StatusCompleted}:   true,
		{StatusDispatching, StatusFailed}:      true,
		{StatusDispatching, StatusCanceled}:    true,
		{StatusPending, StatusCompleted}:       false,
		{StatusCompleted, StatusPending}:       false,
		{StatusCanceled, StatusDispatching}:    false,
		{StatusFailed, StatusPending}:          false,
		{StatusDispatching, StatusDispatching}: false,
	}
	for pair, want := range allowed {
		if got := CanTransition(pair[0], pair[1]); got != want {
			t.Fatalf("%s -> %s: got %v want %v", pair[0], pair[1], got, want)
		}
	}
}

func TestNormalizeRecipient(t *testing.T) {
	t.Parallel()

	ok := map[string]string{
		"+1 (415) 555-2671": "+14155552671",
		"415.555.2671":      "4155552671",
		"tg:123456":         "tg:123456",
		"TG:-100200":        "tg:-100200",
	}
	for in, want := range ok {
		got, err := NormalizeRecipient(in)
		if err != nil {
			t.Fatalf("NormalizeRecipient(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("NormalizeRecipient(%q)=%q want %q", in, got, want)
		}
	}

	for _, in := range []string{"", "12345", "+1234567890123456", "555-CALL-NOW", "tg:abc"} {
		if _, err := NormalizeRecipient(in); !IsValidation(err) {
			t.Fatalf("NormalizeRecipient(%q): expected ValidationError, got %v", in, err)
		}
	}
}

func TestValidateBody(t *testing.T) {
	t.Parallel()

	if err := ValidateBody("hello"); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if err := ValidateBody("   "); !IsValidation(err) {
		t.Fatalf("blank body should be rejected")
	}
	long := make([]rune, MaxBodyLen+1)
	for i := range long {
		long[i] = 'é'
	}
	if err := ValidateBody(string(long)); !IsValidation(err) {
		t.Fatalf("overlong body should be rejected")
	}
	if err := ValidateBody(string(long[:MaxBodyLen])); err != nil {
		t.Fatalf("limit is inclusive and counted in runes: %v", err)
	}
}

func TestFilterMatch(t *testing.T) {
	t.Parallel()

	m := ScheduledMessage{Owner: "alice", Provider: "twilio", Status: StatusPending}
	if !(Filter{}).Match(m) {
		t.Fatalf("zero filter should match")
	}
	if !(Filter{Statuses: []Status{StatusFailed, StatusPending}, Provider: "TWILIO"}).Match(m) {
		t.Fatalf("expected match")
	}
	if (Filter{Owner: "bob"}).Match(m) {
		t.Fatalf("owner mismatch should not match")
	}
	if (ScheduledMessage{Provider: "Auto"}).ProviderHint() != "" {
		t.Fatalf("auto should mean no hint")
	}
}
