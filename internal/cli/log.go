package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/btcsuite/btclog"

	"github.com/orizon-lang/bcverify/internal/loader"
	"github.com/orizon-lang/bcverify/internal/registry"
	"github.com/orizon-lang/bcverify/internal/server"
	"github.com/orizon-lang/bcverify/internal/verifier"
	"github.com/orizon-lang/bcverify/internal/watch"
)

// LogLevelEnv overrides the default log level.
const LogLevelEnv = "BCVERIFY_LOG_LEVEL"

// Subsystem tags.
const (
	SubsystemCLI      = "BCVF"
	SubsystemVerifier = "VRFY"
	SubsystemRegistry = "REGY"
	SubsystemServer   = "SRVR"
	SubsystemWatch    = "WTCH"
	SubsystemLoader   = "LOAD"
)

var subsystemSetters = map[string]func(btclog.Logger){
	SubsystemCLI:      func(btclog.Logger) {},
	SubsystemVerifier: verifier.UseLogger,
	SubsystemRegistry: registry.UseLogger,
	SubsystemServer:   server.UseLogger,
	SubsystemWatch:    watch.UseLogger,
	SubsystemLoader:   loader.UseLogger,
}

// Logging owns the backend and one logger per subsystem.
type Logging struct {
	backend *btclog.Backend
	loggers map[string]btclog.Logger
}

// SetupLogging creates subsystem loggers writing to w and installs them in
// their packages. An empty level falls back to $BCVERIFY_LOG_LEVEL and then
// to info. A level may be global ("debug") or per subsystem
// ("info,VRFY=trace,SRVR=warn").
func SetupLogging(w io.Writer, level string) (*Logging, error) {
	if level == "" {
		level = os.Getenv(LogLevelEnv)
	}
	if level == "" {
		level = "info"
	}
	l := &Logging{
		backend: btclog.NewBackend(w),
		loggers: make(map[string]btclog.Logger, len(subsystemSetters)),
	}
	for tag, set := range subsystemSetters {
		logger := l.backend.Logger(tag)
		l.loggers[tag] = logger
		set(logger)
	}
	if err := l.SetLevels(level); err != nil {
		return nil, err
	}
	return l, nil
}

// SetLevels applies a level string such as "info,VRFY=trace".
func (l *Logging) SetLevels(spec string) error {
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tag, lvl, scoped := strings.Cut(part, "=")
		if !scoped {
			lvl = tag
		}
		level, ok := btclog.LevelFromString(lvl)
		if !ok {
			return fmt.Errorf("unknown log level %q", lvl)
		}
		if !scoped {
			for _, logger := range l.loggers {
				logger.SetLevel(level)
			}
			continue
		}
		logger, ok := l.loggers[strings.ToUpper(tag)]
		if !ok {
			return fmt.Errorf("unknown subsystem %q, expected one of %s", tag, strings.Join(l.Subsystems(), ", "))
		}
		logger.SetLevel(level)
	}
	return nil
}

// Subsystems returns the subsystem tags in sorted order.
func (l *Logging) Subsystems() []string {
	tags := make([]string, 0, len(l.loggers))
	for tag := range l.loggers {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Subsystem returns the logger of tag, or btclog.Disabled.
func (l *Logging) Subsystem(tag string) btclog.Logger {
	if logger, ok := l.loggers[tag]; ok {
		return logger
	}
	return btclog.Disabled
}

// Logger is the tools' console logger.
type Logger struct {
	log btclog.Logger
}

// NewLogger wraps a subsystem logger.
func NewLogger(log btclog.Logger) *Logger {
	return &Logger{log: log}
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) { l.log.Infof(format, args...) }

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) { l.log.Debugf(format, args...) }

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) { l.log.Warnf(format, args...) }

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) { l.log.Errorf(format, args...) }
