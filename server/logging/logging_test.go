package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	for in, want := range map[string]zapcore.Level{
		"":        zapcore.InfoLevel,
		"debug":   zapcore.DebugLevel,
		"WARNING": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
	} {
		log, err := New(in, "json")
		require.NoError(t, err, in)
		assert.True(t, log.Core().Enabled(want), in)
		if want > zapcore.DebugLevel {
			assert.False(t, log.Core().Enabled(want-1), in)
		}
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New("loud", "json")
	assert.Error(t, err)
	_, err = New("info", "xml")
	assert.Error(t, err)
}

func TestConnFields(t *testing.T) {
	assert.Len(t, Conn("c1", ""), 1)
	assert.Len(t, Conn("c1", "alice"), 2)
}
