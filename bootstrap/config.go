package bootstrap

import (
	"fmt"
	"os"

	"argus/config"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger builds the zap logger from the logging configuration. The
// console format carries colored levels for development; json is the
// production default.
func InitLogger(cfg *config.Config) (*zap.Logger, *zap.SugaredLogger, error) {
	level := zapcore.InfoLevel
	if cfg != nil {
		if err := level.Set(cfg.Logging.Level); err != nil {
			return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
		}
	}

	var encoder zapcore.Encoder
	if cfg != nil && cfg.Logging.Format == "console" {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// logConfig reports the effective configuration once logging is up.
func logConfig(sugar *zap.SugaredLogger, cfg *config.Config) {
	if viper.ConfigFileUsed() == "" {
		sugar.Info("No config file found, using defaults and env vars")
	}
	sugar.Infow("Config loaded",
		"workers", cfg.Engine.Workers,
		"queue_size", cfg.Engine.QueueSize,
		"rules_dir", cfg.Engine.RulesDir,
		"online_threshold_seconds", cfg.Liveness.OnlineThresholdSeconds,
		"redis_sink", cfg.Sink.Redis.Enabled)
}
