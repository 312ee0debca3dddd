package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/t77yq/activity-orchestrator/internal/model"
)

// LogConfig defines configuration for per-execution log files
type LogConfig struct {
	LogDir string        // Directory to store log files
	MaxAge time.Duration // Maximum age of log files
}

// ExecutionLog is the logger of one execution and the file backing it
type ExecutionLog struct {
	Logger *zap.Logger
	Path   string
	file   *os.File
}

// Close flushes and closes the log file
func (l *ExecutionLog) Close() error {
	_ = l.Logger.Sync()
	return l.file.Close()
}

// LogManager creates one JSON-lines log file per execution. Entries are also
// written to the process logger.
type LogManager struct {
	logger *zap.Logger
	config LogConfig
}

// NewLogManager creates a new log manager
func NewLogManager(config LogConfig, logger *zap.Logger) (*LogManager, error) {
	if err := os.MkdirAll(config.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &LogManager{
		logger: logger.Named("log-manager"),
		config: config,
	}, nil
}

// Dir returns the log directory
func (lm *LogManager) Dir() string {
	return lm.config.LogDir
}

// Open creates the log file for an execution of a starting at start
func (lm *LogManager) Open(a *model.Activity, start time.Time) (*ExecutionLog, error) {
	name := fmt.Sprintf("%s.%s.%d.log", a.Type, a.ID, start.UnixMilli())
	path := filepath.Join(lm.config.LogDir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(file),
		zapcore.DebugLevel,
	)

	logger := zap.New(zapcore.NewTee(fileCore, lm.logger.Core())).
		Named(a.Type).
		With(zap.String("activity_id", a.ID), zap.Int("attempts", a.Attempts))

	return &ExecutionLog{Logger: logger, Path: path, file: file}, nil
}

// Files returns the log files of an activity, oldest first
func (lm *LogManager) Files(a *model.Activity) ([]string, error) {
	pattern := filepath.Join(lm.config.LogDir, fmt.Sprintf("%s.%s.*.log", a.Type, a.ID))
	return filepath.Glob(pattern)
}

// Cleanup removes log files older than the configured maximum age
func (lm *LogManager) Cleanup(now time.Time) (int, error) {
	if lm.config.MaxAge <= 0 {
		return 0, nil
	}

	entries, err := os.ReadDir(lm.config.LogDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read log directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= lm.config.MaxAge {
			continue
		}

		path := filepath.Join(lm.config.LogDir, entry.Name())
		if err := os.Remove(path); err != nil {
			lm.logger.Error("Failed to remove old log file",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		removed++
	}

	if removed > 0 {
		lm.logger.Info("Removed old log files", zap.Int("removed", removed))
	}
	return removed, nil
}
