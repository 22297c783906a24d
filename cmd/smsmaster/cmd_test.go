package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smsmaster/internal/domain"
)

func TestParseAt(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	loc := time.FixedZone("X", 2*3600)

	tests := []struct {
		raw     string
		want    time.Time
		wantErr bool
	}{
		{raw: "+30m", want: now.Add(30 * time.Minute)},
		{raw: "2026-03-02T09:00:00Z", want: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		{raw: "2026-03-02 09:00", want: time.Date(2026, 3, 2, 9, 0, 0, 0, loc)},
		{raw: "2026-03-02T09:00", want: time.Date(2026, 3, 2, 9, 0, 0, 0, loc)},
		{raw: "2026-03-02", want: time.Date(2026, 3, 2, 0, 0, 0, 0, loc)},
		{raw: "", wantErr: true},
		{raw: "+-5m", wantErr: true},
		{raw: "tomorrow", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseAt(tt.raw, now, loc)
		if tt.wantErr {
			assert.True(t, domain.IsValidation(err), "raw=%q", tt.raw)
			continue
		}
		require.NoError(t, err, "raw=%q", tt.raw)
		assert.True(t, tt.want.Equal(got), "raw=%q got=%s", tt.raw, got)
	}
}

func TestConfigureRequest(t *testing.T) {
	t.Parallel()

	req, err := configureRequest([]string{"auth_token=abc=def", " account_sid =AC1"}, false, 0, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"auth_token": "abc=def", "account_sid": "AC1"}, req.Credentials)
	assert.Nil(t, req.RateLimit)

	req, err = configureRequest(nil, true, -1, "")
	require.NoError(t, err)
	require.NotNil(t, req.RateLimit)
	assert.Equal(t, -1, req.RateLimit.Max)

	_, err = configureRequest([]string{"novalue"}, false, 0, "")
	assert.Error(t, err)
	_, err = configureRequest(nil, false, 0, "24h")
	assert.Error(t, err)
	_, err = configureRequest(nil, false, 0, "")
	assert.Error(t, err)
}

const cliConfig = `{
  "logging": {"level": "error", "console": false},
  "storage": {"driver": "sqlite", "path": %q},
  "credentials": {"driver": "memory"},
  "providers": [{"name": "dry", "kind": "console", "priority": 1}],
  "http": {"enabled": false}
}`

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	prev := stdout
	stdout = buf
	t.Cleanup(func() { stdout = prev })
	return buf
}

// Not parallel: stdout is swapped.
func TestCommandsAgainstSQLite(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	body := fmt.Sprintf(cliConfig, filepath.Join(dir, "db.sqlite"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))

	out := captureStdout(t)
	run := func(args ...string) error {
		out.Reset()
		return Execute(append([]string{"smsmaster", "--config", cfgPath}, args...))
	}

	require.NoError(t, run("check-config"))
	assert.Contains(t, out.String(), "ok (1 providers")

	require.NoError(t, run("schedule", "add", "--to", "+14155552671", "--body", "hello", "--at", "+1h", "--recurrence", "every:2h"))
	id := strings.Fields(out.String())[0]
	require.NotEmpty(t, id)

	require.NoError(t, run("schedule", "list", "--json"))
	var list []domain.ScheduledMessage
	require.NoError(t, json.Unmarshal(out.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, domain.StatusPending, list[0].Status)

	require.NoError(t, run("schedule", "cancel", id))
	assert.Contains(t, out.String(), id+" canceled")

	require.NoError(t, run("services", "deactivate", "dry"))
	require.NoError(t, run("services", "list", "--json"))
	assert.Contains(t, out.String(), `"active": false`)

	require.NoError(t, run("services", "test", "dry"))
	assert.Contains(t, out.String(), "dry: ok")

	assert.Error(t, run("services", "test", "ghost"))
}
