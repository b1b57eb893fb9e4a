package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	logger, err := New(Config{})
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Info("works")
}

func TestNew_ConsoleFormatAndLevel(t *testing.T) {
	logger, err := New(Config{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1), "debug level enabled")
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(Config{Level: "shouting"})
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	assert.NotNil(t, Nop())
}
