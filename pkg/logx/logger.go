package logx

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the structured logger shared by every safetrack component.
// Fields are passed as alternating key/value pairs or as a single
// map[string]interface{}.
type Logger struct {
	entry     *logrus.Entry
	component string
}

// NewLogger creates a JSON logger for the given level and component
func NewLogger(level, component string) *Logger {
	return NewLoggerWithOutput(level, component, os.Stderr)
}

// NewLoggerWithOutput creates a logger writing to w
func NewLoggerWithOutput(level, component string, w io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "msg",
		},
	})
	base.SetLevel(parseLevel(level))

	entry := logrus.NewEntry(base)
	if component != "" {
		entry = entry.WithField("component", component)
	}

	return &Logger{entry: entry, component: component}
}

// NewNopLogger returns a logger that discards everything
func NewNopLogger() *Logger {
	return NewLoggerWithOutput("error", "", io.Discard)
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// SetLevel changes the log level at runtime
func (l *Logger) SetLevel(level string) {
	if e := l.get(); e != nil {
		e.Logger.SetLevel(parseLevel(level))
	}
}

// Level returns the current level name
func (l *Logger) Level() string {
	if e := l.get(); e != nil {
		return e.Logger.GetLevel().String()
	}
	return "info"
}

// WithComponent returns a child logger tagged with a different component
func (l *Logger) WithComponent(component string) *Logger {
	e := l.get()
	if e == nil {
		return l
	}
	return &Logger{entry: e.WithField("component", component), component: component}
}

// get lazily initialises the zero value so &Logger{} is usable
func (l *Logger) get() *logrus.Entry {
	if l == nil {
		return nil
	}
	if l.entry == nil {
		base := logrus.New()
		base.SetFormatter(&logrus.JSONFormatter{})
		l.entry = logrus.NewEntry(base)
	}
	return l.entry
}

func (l *Logger) Trace(msg string, kv ...interface{}) {
	l.log(logrus.TraceLevel, msg, kv)
}

func (l *Logger) Debug(msg string, kv ...interface{}) {
	l.log(logrus.DebugLevel, msg, kv)
}

func (l *Logger) Info(msg string, kv ...interface{}) {
	l.log(logrus.InfoLevel, msg, kv)
}

func (l *Logger) Warn(msg string, kv ...interface{}) {
	l.log(logrus.WarnLevel, msg, kv)
}

func (l *Logger) Error(msg string, kv ...interface{}) {
	l.log(logrus.ErrorLevel, msg, kv)
}

// LogDebugVerbose logs a named event with a field map at trace level
func (l *Logger) LogDebugVerbose(event string, fields map[string]interface{}) {
	l.log(logrus.TraceLevel, event, []interface{}{fields})
}

// LogStateChange records a component state transition
func (l *Logger) LogStateChange(component, from, to, reason string, fields map[string]interface{}) {
	merged := map[string]interface{}{
		"state_component": component,
		"from":            from,
		"to":              to,
		"reason":          reason,
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.log(logrus.InfoLevel, "state_change", []interface{}{merged})
}

func (l *Logger) log(level logrus.Level, msg string, kv []interface{}) {
	e := l.get()
	if e == nil || !e.Logger.IsLevelEnabled(level) {
		return
	}
	e.WithFields(toFields(kv)).Log(level, msg)
}

func toFields(kv []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i < len(kv); i++ {
		switch v := kv[i].(type) {
		case map[string]interface{}:
			for k, fv := range v {
				fields[k] = normalize(fv)
			}
		case string:
			if i+1 < len(kv) {
				fields[v] = normalize(kv[i+1])
				i++
			} else {
				fields["extra"] = v
			}
		default:
			fields[fmt.Sprintf("arg%d", i)] = normalize(v)
		}
	}
	return fields
}

// errors don't marshal to JSON on their own
func normalize(v interface{}) interface{} {
	if err, ok := v.(error); ok && err != nil {
		return err.Error()
	}
	return v
}
