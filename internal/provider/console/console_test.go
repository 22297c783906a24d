package console

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"smsmaster/pkg/logx"
)

func TestSendLogs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	c := New("", logx.NewJSON(&buf, "info"))
	require.Equal(t, "console", c.Name())
	require.True(t, c.SupportsRecipient("tg:1"))

	rc, err := c.Send(context.Background(), "+14155552671", "hello")
	require.NoError(t, err)
	require.Equal(t, "console-1", rc.MessageID)
	require.Contains(t, buf.String(), `"recipient":"+14155552671"`)

	rc, err = c.Send(context.Background(), "+14155552671", "again")
	require.NoError(t, err)
	require.Equal(t, "console-2", rc.MessageID)
}

func TestSendCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New("dry", logx.Nop()).Send(ctx, "+1", "x")
	require.Error(t, err)
}
