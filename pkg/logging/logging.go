// Package logging provides a leveled, structured logger shared by all
// chartsense components.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents the logging level.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// String returns the string representation of the log level.
func (l Level) String() string {
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

// ParseLevel parses a string log level.
func ParseLevel(level string) (Level, error) {
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

// Format defines the output format for logs.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Field represents a structured logging field.
type Field struct {
	Key   string
	Value interface{}
}

// F is a convenience constructor for a Field.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Err is a convenience constructor for an error field.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// entry represents a complete log entry.
type entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger provides structured logging with levels and fields.
type Logger struct {
	mu            sync.Mutex
	level         Level
	output        io.Writer
	format        Format
	contextFields map[string]interface{}
}

// Config holds configuration for the logger.
type Config struct {
	Level  Level
	Output io.Writer
	Format Format
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  INFO,
		Output: os.Stdout,
		Format: FormatText,
	}
}

// New creates a new structured logger.
func New(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stdout
	}
	return &Logger{
		level:         config.Level,
		output:        output,
		format:        config.Format,
		contextFields: make(map[string]interface{}),
	}
}

// Nop returns a logger that discards everything. Useful in tests.
func Nop() *Logger {
	return New(&Config{Level: ERROR, Output: io.Discard})
}

// With returns a child logger carrying additional context fields.
func (l *Logger) With(fields ...Field) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	merged := make(map[string]interface{}, len(l.contextFields)+len(fields))
	for k, v := range l.contextFields {
		merged[k] = v
	}
	for _, f := range fields {
		merged[f.Key] = f.Value
	}

	return &Logger{
		level:         l.level,
		output:        l.output,
		format:        l.format,
		contextFields: merged,
	}
}

// SetLevel changes the minimum level that will be emitted.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...Field) {
	l.log(DEBUG, msg, fields)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...Field) {
	l.log(INFO, msg, fields)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...Field) {
	l.log(WARN, msg, fields)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...Field) {
	l.log(ERROR, msg, fields)
}

func (l *Logger) log(level Level, msg string, fields []Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	e := entry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   msg,
	}
	if len(l.contextFields) > 0 || len(fields) > 0 {
		e.Fields = make(map[string]interface{}, len(l.contextFields)+len(fields))
		for k, v := range l.contextFields {
			e.Fields[k] = v
		}
		for _, f := range fields {
			e.Fields[f.Key] = f.Value
		}
	}

	switch l.format {
	case FormatJSON:
		data, err := json.Marshal(e)
		if err != nil {
			fmt.Fprintf(l.output, "[ERROR] failed to marshal log entry: %v\n", err)
			return
		}
		fmt.Fprintln(l.output, string(data))
	default:
		var b strings.Builder
		b.WriteString(e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"))
		b.WriteString(" [")
		b.WriteString(e.Level)
		b.WriteString("] ")
		b.WriteString(e.Message)
		if len(e.Fields) > 0 {
			keys := make([]string, 0, len(e.Fields))
			for k := range e.Fields {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
			}
		}
		fmt.Fprintln(l.output, b.String())
	}
}
