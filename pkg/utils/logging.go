package utils

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// LogLevel represents the logging level
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel parses a string log level
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", level)
	}
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// LogConfig controls the global logger
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
	File   string `yaml:"file"`

	// Rotation of File; zero MaxSizeMB never rotates
	MaxSizeMB  int64 `yaml:"max_size_mb"`
	MaxBackups int   `yaml:"max_backups"`
	Compress   bool  `yaml:"compress"`
}

// InitializeLogger sets up the global logger. It returns a closer for the
// log file when one was opened.
func InitializeLogger(cfg LogConfig) (io.Closer, error) {
	level, err := ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(level.zerolog())

	var out io.Writer = os.Stderr
	var closer io.Closer
	if cfg.File != "" {
		f, err := OpenRotatingFile(cfg.File, cfg.MaxSizeMB, cfg.MaxBackups, cfg.Compress)
		if err != nil {
			return nil, err
		}
		out = f
		closer = f
	}

	if strings.ToLower(cfg.Format) != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: cfg.File != ""}
	}

	ctx := zerolog.New(out).With().Timestamp()
	if level == DEBUG {
		ctx = ctx.Caller()
	}
	zlog.Logger = ctx.Logger()

	return closer, nil
}

// GetLogger returns a configured logger for a specific component
func GetLogger(component string) zerolog.Logger {
	return zlog.With().Str("component", component).Logger()
}

// NewLogLogger adapts a component logger to the standard library logger
// expected by go-fuse.
func NewLogLogger(component string) *log.Logger {
	l := GetLogger(component)
	return log.New(l, "", 0)
}
