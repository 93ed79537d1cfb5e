package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// До Init пишем в никуда, чтобы пакеты ядра можно было гонять в тестах.
var InfoLogger, FatalLogger *zap.Logger = zap.NewNop(), zap.NewNop()

var (
	serviceName = "default"
)

type Config struct {
	Level      string // debug | info | warn | error
	File       string // пусто — только stdout
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func SetServiceName(newName string) string {
	oldName := serviceName
	serviceName = newName

	return oldName
}

// Init собирает zap: JSON в stdout и, если задан файл, в ротируемый lumberjack.
func Init(cfg Config) error {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return fmt.Errorf("logger: bad level %q: %w", cfg.Level, err)
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewJSONEncoder(encCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.Lock(os.Stdout), level),
	}
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 14),
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(rotator), level))
	}

	InfoLogger = zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
	FatalLogger = InfoLogger
	return nil
}

func Sync() {
	_ = InfoLogger.Sync()
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func Debug(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	InfoLogger.With(
		zap.String("service", serviceName),
	).Debug(msg)
}

func Info(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	InfoLogger.With(
		zap.String("service", serviceName),
	).Info(msg)
}

func Warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	InfoLogger.With(
		zap.String("service", serviceName),
	).Warn(msg)
}

func Error(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	InfoLogger.With(
		zap.String("service", serviceName),
	).Error(msg)
}

func Fatal(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	FatalLogger.With(
		zap.String("service", serviceName),
	).Fatal(msg)
}
