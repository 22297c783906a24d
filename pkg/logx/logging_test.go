package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestOccurrenceFields(t *testing.T) {
	t.Parallel()

	type status string
	var buf bytes.Buffer
	log := NewJSON(&buf, "debug").With(MsgID("m1"), Provider("twilio"))
	log.Warn("dispatch.failed", Attempt(2), Status(status("dispatching")), Err(errors.New("boom")))

	got := decodeLines(t, buf.Bytes())
	if len(got) != 1 {
		t.Fatalf("lines=%d", len(got))
	}
	m := got[0]
	want := map[string]any{
		"msg_id":   "m1",
		"provider": "twilio",
		"attempt":  float64(2),
		"status":   "dispatching",
		"err":      "boom",
		"level":    "warn",
		"message":  "dispatch.failed",
	}
	for k, v := range want {
		if m[k] != v {
			t.Fatalf("%s=%v want %v", k, m[k], v)
		}
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller=%v", m["caller"])
	}
}

func TestCallFieldsOverrideWith(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	NewJSON(&buf, "info").With(Provider("a")).Info("x", Provider("b"), Err(nil))
	m := decodeLines(t, buf.Bytes())[0]
	if m["provider"] != "b" {
		t.Fatalf("provider=%v", m["provider"])
	}
	if _, ok := m["err"]; ok {
		t.Fatalf("nil error should be omitted")
	}
}

func TestLevelFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewJSON(&buf, "warn")
	log.Info("hidden")
	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected info and debug to be filtered, got %q", buf.String())
	}
	log.Error("shown")
	if len(decodeLines(t, buf.Bytes())) != 1 {
		t.Fatalf("error should pass a warn filter: %q", buf.String())
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Error("nothing happens")
	l.With(MsgID("x")).Warn("still nothing")
	if Nop().IsZero() {
		t.Fatalf("Nop() should not be zero")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestServiceFileSinkFollowsApply(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	var console bytes.Buffer
	cfg := Config{Level: "info", File: FileConfig{Enabled: true, Path: "/var/log/sms/daemon.log"}}
	svc, log := New(cfg, WithFs(fs), WithConsole(&console))
	defer svc.Close()

	log = log.With(String("comp", "scheduler"))
	log.Debug("hidden")
	log.Info("scheduler started")

	// Same path: the handle is kept and the level change applies to the
	// logger created before it.
	first := svc.file
	cfg.Level = "debug"
	if err := svc.Apply(cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if svc.file != first {
		t.Fatalf("file reopened for an unchanged path")
	}
	log.Debug("scheduler tick", Int("claimed", 3))

	b, err := afero.ReadFile(fs, "/var/log/sms/daemon.log")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := decodeLines(t, b)
	if len(lines) != 2 {
		t.Fatalf("lines=%d: %s", len(lines), b)
	}
	if lines[0]["message"] != "scheduler started" || lines[1]["claimed"] != float64(3) {
		t.Fatalf("unexpected lines: %s", b)
	}
	if lines[1]["comp"] != "scheduler" {
		t.Fatalf("With fields lost across Apply: %v", lines[1])
	}
	if console.Len() != 0 {
		t.Fatalf("console disabled but got %q", console.String())
	}
}

func TestServiceFallsBackToConsole(t *testing.T) {
	t.Parallel()

	var console bytes.Buffer
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	svc, log := New(Config{File: FileConfig{Enabled: true, Path: "/logs/x.log"}}, WithFs(fs), WithConsole(&console))
	defer svc.Close()

	if !strings.Contains(console.String(), "log file unavailable") {
		t.Fatalf("open failure not reported: %q", console.String())
	}
	log.Info("still logging")
	if !strings.Contains(console.String(), "still logging") {
		t.Fatalf("console fallback missing: %q", console.String())
	}
	if svc.file != nil {
		t.Fatalf("no file should be held after a failed open")
	}
}
