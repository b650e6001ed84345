package app

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/charlesng35/carecache/pkg/logger"
)

func TestConfigureLogging(t *testing.T) {
	t.Cleanup(logger.Replace(zap.NewNop()))

	cfg := &Config{
		Server: ServerConfig{LogLevel: "debug", LogFormat: "console"},
		Store:  StoreConfig{AppVersion: "2025.06"},
	}
	require.NoError(t, ConfigureLogging(cfg))
	require.True(t, logger.Logger().Core().Enabled(zap.DebugLevel))

	require.NoError(t, ConfigureLogging(&Config{}))
	require.False(t, logger.Logger().Core().Enabled(zap.DebugLevel), "level defaults to info")

	require.Error(t, ConfigureLogging(nil))
}
