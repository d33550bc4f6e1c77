package debug

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_Levels(t *testing.T) {
	prev := Debug
	t.Cleanup(func() { Debug = prev })

	Disable()
	log, err := New("datafeed")
	require.NoError(t, err)
	require.False(t, log.Core().Enabled(zapcore.DebugLevel))
	require.True(t, log.Core().Enabled(zapcore.InfoLevel))

	Enable()
	log, err = New("datafeed")
	require.NoError(t, err)
	require.True(t, log.Core().Enabled(zapcore.DebugLevel))
}
