package logging

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/aggiestack/aggiestack/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("WARN"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("verbose"))
}

func TestNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")

	logger, err := New(config.LoggingConfig{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	logger.Info("hello")
	logger.Debug("hidden")
	_ = logger.Sync()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"msg":"hello"`)
	assert.NotContains(t, string(raw), "hidden")
}

func TestCommandLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aggiestack.log")

	log, err := NewCommandLog(path)
	require.NoError(t, err)

	log.Success("aggiestack show hardware")
	log.Failure("aggiestack can_host m9 small", errors.New(`server "m9" not found`))
	require.NoError(t, log.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "<"))
	assert.True(t, strings.HasSuffix(lines[0], "<SUCCESS> <aggiestack show hardware>"))
	assert.True(t, strings.HasSuffix(lines[1], `<ERROR> <aggiestack can_host m9 small> <Exception:: server "m9" not found>`))
}

func TestCommandLog_EmptyPathDiscards(t *testing.T) {
	log, err := NewCommandLog("")
	require.NoError(t, err)
	log.Success("aggiestack show all")
	assert.NoError(t, log.Close())
}
