package logger

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	t.Cleanup(func() { _ = Init(Config{Level: "info"}) })

	require.NoError(t, Init(Config{Level: "warn"}))
	assert.Equal(t, zerolog.WarnLevel, GetLogger().GetLevel())

	require.NoError(t, Init(Config{Level: "warn", Debug: true}))
	assert.Equal(t, zerolog.DebugLevel, GetLogger().GetLevel())
}

func TestInitRejectsUnknownLevel(t *testing.T) {
	assert.Error(t, Init(Config{Level: "loud"}))
}

func TestNewTestLoggerIsDisabled(t *testing.T) {
	l := NewTestLogger()
	assert.Equal(t, zerolog.Disabled, l.GetLevel())
}
