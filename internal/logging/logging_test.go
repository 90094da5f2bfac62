package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_LevelParsing(t *testing.T) {
	log, err := New("dev", "debug")
	require.NoError(t, err)
	assert.True(t, log.Desugar().Core().Enabled(zapcore.DebugLevel))

	log, err = New("prod", "bogus")
	require.NoError(t, err)
	assert.False(t, log.Desugar().Core().Enabled(zapcore.DebugLevel))
	assert.True(t, log.Desugar().Core().Enabled(zapcore.InfoLevel))
}
