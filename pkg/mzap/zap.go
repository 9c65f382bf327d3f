// Package mzap provides a zap-backed implementation of mlog.Logger.
package mzap

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/LerianStudio/midaz-rmq/pkg/mlog"
)

// Logger wraps a zap.SugaredLogger behind mlog.Logger.
type Logger struct {
	Logger *zap.SugaredLogger
}

// InitializeLogger builds the production or development zap config
// depending on ENV_NAME, honoring LOG_LEVEL when present.
//
//nolint:ireturn
func InitializeLogger() mlog.Logger {
	var zapCfg zap.Config

	if os.Getenv("ENV_NAME") == "production" {
		zapCfg = zap.NewProductionConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if val, ok := os.LookupEnv("LOG_LEVEL"); ok {
		var lvl zapcore.Level
		if err := lvl.Set(val); err == nil {
			zapCfg.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	zapCfg.DisableStacktrace = true

	logger, err := zapCfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(err)
	}

	return &Logger{Logger: logger.Sugar()}
}

func (l *Logger) Info(args ...any)                  { l.Logger.Info(args...) }
func (l *Logger) Infof(format string, args ...any)  { l.Logger.Infof(format, args...) }
func (l *Logger) Infoln(args ...any)                { l.Logger.Infoln(args...) }
func (l *Logger) Error(args ...any)                 { l.Logger.Error(args...) }
func (l *Logger) Errorf(format string, args ...any) { l.Logger.Errorf(format, args...) }
func (l *Logger) Errorln(args ...any)               { l.Logger.Errorln(args...) }
func (l *Logger) Warn(args ...any)                  { l.Logger.Warn(args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.Logger.Warnf(format, args...) }
func (l *Logger) Warnln(args ...any)                { l.Logger.Warnln(args...) }
func (l *Logger) Debug(args ...any)                 { l.Logger.Debug(args...) }
func (l *Logger) Debugf(format string, args ...any) { l.Logger.Debugf(format, args...) }
func (l *Logger) Debugln(args ...any)               { l.Logger.Debugln(args...) }
func (l *Logger) Fatal(args ...any)                 { l.Logger.Fatal(args...) }
func (l *Logger) Fatalf(format string, args ...any) { l.Logger.Fatalf(format, args...) }
func (l *Logger) Fatalln(args ...any)               { l.Logger.Fatalln(args...) }

// WithFields adds structured context to the logger. It returns a new
// logger and leaves the receiver unchanged.
//
//nolint:ireturn
func (l *Logger) WithFields(fields ...any) mlog.Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

func (l *Logger) Sync() error { return l.Logger.Sync() }
