package zlog_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/dmitrywald/reactorcore/logging"
	"github.com/dmitrywald/reactorcore/logging/zlog"
	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// referenceLine builds the same log line logiface/izerolog would produce for
// an equivalent call, used below as an independent fixture to check that
// zlog.Logger's hand-rolled field wiring agrees with the ecosystem's own
// zerolog integration rather than diverging from it silently.
func referenceLine(t *testing.T, category, msg string, channelID uint64, err error) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	l := logiface.New[*izerolog.Event](izerolog.WithZerolog(base), logiface.WithLevel[*izerolog.Event](logiface.LevelWarning))
	b := l.Warning().Str("category", category).Uint64("channel", channelID)
	if err != nil {
		b = b.Err(err)
	}
	b.Log(msg)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	return decoded
}

func TestLogger_Log_FieldsMatchLogifaceZerologBinding(t *testing.T) {
	var buf bytes.Buffer
	l := zlog.New(zerolog.New(&buf))

	cause := errors.New("boom")
	l.Log(logging.Entry{
		Level:     logging.LevelWarn,
		Category:  "channel",
		ChannelID: 42,
		Message:   "something went wrong",
		Err:       cause,
	})

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))

	want := referenceLine(t, "channel", "something went wrong", 42, cause)

	assert.Equal(t, want["category"], got["category"])
	assert.Equal(t, want["channel"], got["channel"])
	assert.Equal(t, want["error"], got["error"])
	assert.Equal(t, want["message"], got["message"])
	assert.Equal(t, want["level"], got["level"])
}

func TestLogger_IsEnabled(t *testing.T) {
	z := zerolog.New(&bytes.Buffer{}).Level(zerolog.WarnLevel)
	l := zlog.New(z)

	assert.False(t, l.IsEnabled(logging.LevelDebug))
	assert.False(t, l.IsEnabled(logging.LevelInfo))
	assert.True(t, l.IsEnabled(logging.LevelWarn))
	assert.True(t, l.IsEnabled(logging.LevelError))
}
