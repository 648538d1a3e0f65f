package app

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the development logger in dev and the production one
// otherwise. With a log file configured, output goes to a rotating file
// instead of stderr.
func NewLogger(env string, cfg LoggingConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: logging level: %w", ErrInvalidConfig, err)
	}

	if cfg.File == "" {
		var zc zap.Config
		if env == EnvDev {
			zc = zap.NewDevelopmentConfig()
		} else {
			zc = zap.NewProductionConfig()
		}
		zc.Level = level
		return zc.Build()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	writer := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    max(cfg.MaxSizeMB, 1),
		MaxBackups: max(cfg.MaxFiles, 1),
	}

	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	if env == EnvDev {
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}
	return zap.New(zapcore.NewCore(encoder, zapcore.AddSync(writer), level)), nil
}
