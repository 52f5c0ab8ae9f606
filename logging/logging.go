// Package logging provides the core's structured log line:
//
//	code=<ErrorCode> op=<name> message=<…> [sqlState=<…> vendor=<…>]
//
// Grounded on the teacher's graph/emit/log.go LogEmitter: a writer-backed
// emitter with a human-readable text mode and a JSON mode, selectable at
// construction, no external logging library. Unlike the teacher's
// workflow-event shape (RunID/Step/NodeID/Msg/Meta) this is specialized to
// the spec §7 error vocabulary and §6 log line format, since that is the
// shape every package in this core needs to produce.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level mirrors the `log.level` config field (spec §6).
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Line is one structured log entry.
type Line struct {
	Level    Level
	Code     string
	Op       string
	Message  string
	SQLState string
	Vendor   string
	Fields   map[string]any
}

// Logger writes Lines to a writer, in JSON or key=value text mode,
// filtered by minimum level. Safe for concurrent use: every component in
// this core (pool, schema, wallet, eventbus, scheduler, snapshot) shares
// one Logger instance.
type Logger struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
	min      Level
}

// New constructs a Logger. A nil writer defaults to os.Stderr, matching the
// teacher's LogEmitter nil-writer fallback.
func New(writer io.Writer, jsonMode bool, min Level) *Logger {
	if writer == nil {
		writer = os.Stderr
	}
	return &Logger{writer: writer, jsonMode: jsonMode, min: min}
}

// Log writes one line if its level passes the configured minimum.
func (l *Logger) Log(line Line) {
	if line.Level < l.min {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		l.writeJSON(line)
	} else {
		l.writeText(line)
	}
}

func (l *Logger) writeJSON(line Line) {
	out := struct {
		Time     string         `json:"time"`
		Level    string         `json:"level"`
		Code     string         `json:"code,omitempty"`
		Op       string         `json:"op,omitempty"`
		Message  string         `json:"message,omitempty"`
		SQLState string         `json:"sqlState,omitempty"`
		Vendor   string         `json:"vendor,omitempty"`
		Fields   map[string]any `json:"fields,omitempty"`
	}{
		Time:     time.Now().UTC().Format(time.RFC3339Nano),
		Level:    line.Level.String(),
		Code:     line.Code,
		Op:       line.Op,
		Message:  line.Message,
		SQLState: line.SQLState,
		Vendor:   line.Vendor,
		Fields:   line.Fields,
	}
	data, err := json.Marshal(out)
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"log marshal failed: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *Logger) writeText(line Line) {
	_, _ = fmt.Fprintf(l.writer, "level=%s", line.Level)
	if line.Code != "" {
		_, _ = fmt.Fprintf(l.writer, " code=%s", line.Code)
	}
	if line.Op != "" {
		_, _ = fmt.Fprintf(l.writer, " op=%s", line.Op)
	}
	if line.Message != "" {
		_, _ = fmt.Fprintf(l.writer, " message=%q", line.Message)
	}
	if line.SQLState != "" {
		_, _ = fmt.Fprintf(l.writer, " sqlState=%s", line.SQLState)
	}
	if line.Vendor != "" {
		_, _ = fmt.Fprintf(l.writer, " vendor=%s", line.Vendor)
	}
	for k, v := range line.Fields {
		_, _ = fmt.Fprintf(l.writer, " %s=%v", k, v)
	}
	_, _ = fmt.Fprint(l.writer, "\n")
}

// Info, Warn, Debug are convenience wrappers over Log.
func (l *Logger) Info(op, message string)  { l.Log(Line{Level: LevelInfo, Op: op, Message: message}) }
func (l *Logger) Warn(op, message string)  { l.Log(Line{Level: LevelWarn, Op: op, Message: message}) }
func (l *Logger) Debug(op, message string) { l.Log(Line{Level: LevelDebug, Op: op, Message: message}) }

// ErrorCoded logs a *mincore.Error-shaped failure. Callers pass already
// extracted fields rather than importing the root package here, to avoid
// logging depending on mincore depending on logging.
func (l *Logger) ErrorCoded(op, code, message, sqlState, vendor string) {
	l.Log(Line{Level: LevelError, Op: op, Code: code, Message: message, SQLState: sqlState, Vendor: vendor})
}

// SlowQuery logs the §4.A / §6 DB_SLOW_QUERY warning.
func (l *Logger) SlowQuery(op string, durationMs int64) {
	l.Log(Line{
		Level:   LevelWarn,
		Code:    "DB_SLOW_QUERY",
		Op:      op,
		Message: "query exceeded slow-query threshold",
		Fields:  map[string]any{"durationMs": durationMs},
	})
}

// Nop is a Logger that discards everything, for tests that do not care
// about log output, mirroring the teacher's emit/null.go NullEmitter.
func Nop() *Logger {
	return New(io.Discard, false, LevelError+1)
}
