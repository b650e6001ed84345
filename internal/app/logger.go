package app

import (
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/charlesng35/carecache/pkg/logger"
)

// ServiceName tags every log entry of the process.
const ServiceName = "carecache"

// ConfigureLogging installs the global logger from the server section. Entries
// carry the store version so lines from terminals on an old build stand out.
func ConfigureLogging(cfg *Config) error {
	if cfg == nil {
		return errors.New("configure logging: nil config")
	}
	level := strings.TrimSpace(cfg.Server.LogLevel)
	if level == "" {
		level = "info"
	}
	if err := logger.Init(level, strings.TrimSpace(cfg.Server.LogFormat)); err != nil {
		return err
	}

	fields := []zap.Field{zap.String("service", ServiceName)}
	if v := strings.TrimSpace(cfg.Store.AppVersion); v != "" {
		fields = append(fields, zap.String("version", v))
	}
	logger.Replace(logger.Logger().With(fields...))
	return nil
}
