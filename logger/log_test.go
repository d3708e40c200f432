package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNamedLoggerEnabledLevels(t *testing.T) {
	config := Config{
		Level:  "warn",
		Format: "console",
	}
	loggerName := "test-enabled-levels"
	err := config.Configure()
	require.NoError(t, err)

	lg, err := GetLogger(loggerName)
	require.NoError(t, err)
	lg.Infof("testing logging")
	lg.Warnf("WARN testing logging %s", "args")
	lg.Warn("msg 1", "msg 2")

	// uses the globally configured level by default
	require.False(t, lg.logger.Core().Enabled(zap.DebugLevel))
	require.False(t, lg.logger.Core().Enabled(zap.InfoLevel))
	require.True(t, lg.logger.Core().Enabled(zap.WarnLevel))

	// a second lookup with the same name returns the existing logger, level unchanged
	same, err := GetLoggerWithLevel(loggerName, zap.DebugLevel)
	require.NoError(t, err)
	require.Same(t, lg, same)
	require.False(t, same.logger.Core().Enabled(zap.DebugLevel))
	require.True(t, same.logger.Core().Enabled(zap.WarnLevel))
}

func TestNamedLoggerCannotBeMoreVerboseThanGlobal(t *testing.T) {
	config := Config{
		Level:  "info",
		Format: "json",
	}
	require.NoError(t, config.Configure())

	lg, err := GetLoggerWithLevel("test-error-only", zap.ErrorLevel)
	require.NoError(t, err)
	require.False(t, lg.logger.Core().Enabled(zap.WarnLevel))
	require.True(t, lg.logger.Core().Enabled(zap.ErrorLevel))

	lg.Debug("debug 1", " debug 2")
	lg.Debugf("debug %d debug %d", 1, 2)
	lg.Info("info 1", " info 2")
	lg.Errorf("error %d error %d", 1, 2)
}

func TestReconfigureResetsNamedLoggers(t *testing.T) {
	require.NoError(t, (&Config{Level: "warn", Format: "console"}).Configure())
	before, err := GetLogger("test-reconfigure")
	require.NoError(t, err)
	require.False(t, before.DebugEnabled())

	require.NoError(t, (&Config{Level: "debug", Format: "console"}).Configure())
	after, err := GetLogger("test-reconfigure")
	require.NoError(t, err)
	require.NotSame(t, before, after)
	require.True(t, after.DebugEnabled())
	require.True(t, DebugEnabled)
}

func TestInvalidConfig(t *testing.T) {
	require.Error(t, (&Config{Level: "loud", Format: "console"}).Configure())
	require.Error(t, (&Config{Level: "info", Format: "xml"}).Configure())
	_, err := GetLogger("  ")
	require.Error(t, err)
}
