// Package util provides shared logging and statistics helpers.
package util

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// logDir is where network log files are written.
const logDir = "networklogs"

// fileLogger mirrors every line logged through LogDebug, LogInfo,
// LogWarning and LogError into the current network log file.
// It is nil until OpenNetworkLog is called.
var fileLogger *pterm.Logger

// OpenNetworkLog creates ./networklogs/ (if missing) and starts mirroring
// log output into a timestamped file. prefix is "rclog" for the client
// role and "rslog" for the server role.
func OpenNetworkLog(prefix string) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", logDir, err)
	}

	name := fmt.Sprintf("%s-%s.txt", prefix, logTimestamp(time.Now()))
	f, err := os.Create(filepath.Join(logDir, name))
	if err != nil {
		return fmt.Errorf("failed to create network log: %w", err)
	}

	fileLogger = pterm.DefaultLogger.
		WithWriter(f).
		WithFormatter(pterm.LogFormatterJSON)
	fileLogger.Level = pterm.DefaultLogger.Level
	return nil
}

// logTimestamp formats t for use in a log file name, with a dash-separated
// time portion and four fractional-second digits.
func logTimestamp(t time.Time) string {
	return fmt.Sprintf("%s-%04d", t.Format("2006-01-02 15-04-05"), t.Nanosecond()/100000)
}

// Leveled logging functions backed by pterm.DefaultLogger, plus the
// network log file when one is open.

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
	if fileLogger != nil {
		fileLogger.Debug(fmt.Sprintf(format, args...))
	}
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
	if fileLogger != nil {
		fileLogger.Info(fmt.Sprintf(format, args...))
	}
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
	if fileLogger != nil {
		fileLogger.Warn(fmt.Sprintf(format, args...))
	}
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
	if fileLogger != nil {
		fileLogger.Error(fmt.Sprintf(format, args...))
	}
}

// EnableDebug configures the loggers to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
	if fileLogger != nil {
		fileLogger.Level = pterm.LogLevelDebug
	}
}
