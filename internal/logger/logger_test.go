package logger

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestCommand(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx, done := Command(context.Background(), base, "describe")
	zerolog.Ctx(ctx).Info().Msg("working")
	done(nil)

	out := buf.String()
	require.Contains(t, out, `"command":"describe"`)
	require.Contains(t, out, `"message":"working"`)
	require.Contains(t, out, `"message":"command finished"`)

	buf.Reset()
	_, done = Command(context.Background(), base, "read")
	done(errors.New("boom"))
	require.Contains(t, buf.String(), `"error":"boom"`)
	require.Contains(t, buf.String(), `"level":"error"`)
}

func TestSetup(t *testing.T) {
	require.Equal(t, zerolog.InfoLevel, Setup(false).GetLevel())
	require.Equal(t, zerolog.DebugLevel, Setup(true).GetLevel())
}
