// Package log installs a small dragonboat-compatible logger and exposes
// named, leveled loggers for the rest of the module.
//
// Reusing dragonboat's logger.ILogger interface (rather than inventing a
// bespoke logging facility) keeps this package dependency-light: it pulls in
// nothing beyond what the module already requires, and gives every package
// here the same named/leveled logging convention the teacher repository
// uses for its own subsystems.
package log

import (
	"fmt"
	stdlog "log"
	"os"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
)

// repkvLogger implements logger.ILogger with a compact, name-prefixed format.
type repkvLogger struct {
	name   string
	level  logger.LogLevel
	logger *stdlog.Logger
}

func (l *repkvLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *repkvLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.log("DEBUG", format, args...)
	}
}

func (l *repkvLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.log("INFO", format, args...)
	}
}

func (l *repkvLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.log("WARN", format, args...)
	}
}

func (l *repkvLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.log("ERROR", format, args...)
	}
}

func (l *repkvLogger) Panicf(format string, args ...interface{}) {
	if l.level >= logger.CRITICAL {
		panic(fmt.Sprintf(format, args...))
	}
}

func (l *repkvLogger) log(levelStr, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-12s | %s", levelStr, l.name, message)
}

// CreateLogger is a logger.Factory: it builds a named logger writing to
// stderr with date/time prefixes.
func CreateLogger(pkgName string) logger.ILogger {
	std := stdlog.New(os.Stderr, "", stdlog.Ldate|stdlog.Ltime)
	return &repkvLogger{
		name:   pkgName,
		level:  logger.INFO,
		logger: std,
	}
}

// ParseLevel converts a case-insensitive level name to logger.LogLevel,
// defaulting to INFO for an unrecognized string.
func ParseLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG
	case "warning", "warn":
		return logger.WARNING
	case "error":
		return logger.ERROR
	case "critical":
		return logger.CRITICAL
	default:
		return logger.INFO
	}
}

// Init installs CreateLogger as the global factory and sets the level on
// every named logger this module uses.
func Init(level string) {
	logger.SetLoggerFactory(CreateLogger)
	lvl := ParseLevel(level)
	for _, name := range []string{"node", "frontend", "backend", "wire", "transport", "cmd"} {
		logger.GetLogger(name).SetLevel(lvl)
	}
}

// Get returns the named logger, creating it via the installed factory if
// this is the first reference.
func Get(name string) logger.ILogger {
	return logger.GetLogger(name)
}
