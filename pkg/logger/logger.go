// Package logger provides structured logging for the Hawk gateway services.
// Built on top of zerolog with contextual fields for request and key ids.
// Supports dual output to the console and a size-rotated JSON log file.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logFileMutex        sync.Mutex
	serviceFiles        = make(map[ServiceType]*lumberjack.Logger)
	serviceMultiWriters = make(map[ServiceType]io.Writer)
)

// LogCategory represents different types of log events
type LogCategory string

const (
	Startup LogCategory = "startup"
	Auth    LogCategory = "auth"
	Request LogCategory = "request"
	GRPC    LogCategory = "grpc"
	Replay  LogCategory = "replay"
	Error   LogCategory = "error"
	General LogCategory = "general"
)

// ServiceType represents the service generating the logs
type ServiceType string

const (
	Gateway ServiceType = "hawkd"
	Signer  ServiceType = "hawksign"
)

// Rotation limits for service log files.
const (
	MaxFileSizeMB = 50
	MaxBackups    = 10
	MaxAgeDays    = 14
)

// ParseLevel maps a level name to a zerolog level.
// Unknown names fall back to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}

// Init initializes the global logger with the specified log level.
// Sets up console output with pretty formatting for development use.
func Init(level string) {
	zerolog.SetGlobalLevel(ParseLevel(level))

	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})
}

// InitWithFileLogging initializes the logger with both console and file output.
// The file is <dir>/<service>.log in JSON, rotated by size and age.
func InitWithFileLogging(level string, service ServiceType, dir string) {
	zerolog.SetGlobalLevel(ParseLevel(level))

	w, path, err := serviceWriter(service, dir)
	if err != nil {
		fmt.Printf("Failed to set up file logging: %v\n", err)
		Init(level)
		return
	}
	log.Logger = zerolog.New(w).With().Timestamp().Str("service", string(service)).Logger()
	if path != "" {
		fmt.Printf("Logging to file: %s\n", path)
	}
}

// serviceWriter returns the shared console+file writer of a service, creating
// it on first use. path is empty when the writer already existed.
func serviceWriter(service ServiceType, dir string) (io.Writer, string, error) {
	logFileMutex.Lock()
	defer logFileMutex.Unlock()

	if w, ok := serviceMultiWriters[service]; ok {
		return w, "", nil
	}
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("failed to create log directory: %w", err)
	}

	path := filepath.Join(dir, string(service)+".log")
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    MaxFileSizeMB,
		MaxBackups: MaxBackups,
		MaxAge:     MaxAgeDays,
		Compress:   true,
	}
	serviceFiles[service] = file

	// Console gets pretty format, file gets JSON
	w := zerolog.MultiLevelWriter(
		zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339},
		file,
	)
	serviceMultiWriters[service] = w
	return w, path, nil
}

// NewCategoryLogger returns a logger writing to the service log with a
// category field. Falls back to the global logger when the file cannot be opened.
func NewCategoryLogger(service ServiceType, category LogCategory, dir string) zerolog.Logger {
	w, _, err := serviceWriter(service, dir)
	if err != nil {
		return log.With().Str("category", string(category)).Logger()
	}
	return zerolog.New(w).With().Timestamp().Str("service", string(service)).Str("category", string(category)).Logger()
}

// Close flushes and closes every service log file.
func Close() error {
	logFileMutex.Lock()
	defer logFileMutex.Unlock()

	var firstErr error
	for service, file := range serviceFiles {
		if err := file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(serviceFiles, service)
		delete(serviceMultiWriters, service)
	}
	return firstErr
}

// Rotate starts new log files for every service, e.g. on SIGHUP.
func Rotate() error {
	logFileMutex.Lock()
	defer logFileMutex.Unlock()

	for _, file := range serviceFiles {
		if err := file.Rotate(); err != nil {
			return err
		}
	}
	return nil
}

// WithRequestID creates a logger with a request ID field.
func WithRequestID(requestID string) zerolog.Logger {
	return log.With().Str("request_id", requestID).Logger()
}

// WithKeyID creates a logger with a key ID field.
// Used for authentication related logging. Never pass secrets here.
func WithKeyID(keyID string) zerolog.Logger {
	return log.With().Str("key_id", keyID).Logger()
}

// WithFields creates a logger with multiple custom fields.
func WithFields(fields map[string]interface{}) zerolog.Logger {
	ctx := log.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return ctx.Logger()
}

// CleanupOldLogs removes rotated log files in dir older than daysToKeep.
// Lumberjack prunes its own backups; this catches files left by older layouts.
func CleanupOldLogs(dir string, daysToKeep int) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}

	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !isLogFile(info.Name()) {
			return nil
		}
		if time.Since(info.ModTime()) > time.Duration(daysToKeep)*24*time.Hour {
			return os.Remove(path)
		}
		return nil
	})
}

// GetLogStats counts log files per service in dir, including rotated backups.
func GetLogStats(dir string) (map[string]int, error) {
	stats := make(map[string]int)

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return stats, nil
	}

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !isLogFile(info.Name()) {
			return nil
		}
		// hawkd.log, hawkd-2024-01-02T03-04-05.000.log, hawkd-....log.gz
		name := info.Name()
		if i := strings.IndexAny(name, "-."); i > 0 {
			name = name[:i]
		}
		stats[name]++
		return nil
	})

	return stats, err
}

func isLogFile(name string) bool {
	return strings.HasSuffix(name, ".log") || strings.HasSuffix(name, ".log.gz")
}
