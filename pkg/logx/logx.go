package logx

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger provides structured key-value logging for all locationd components.
// Each component gets its own Logger carrying a component field.
type Logger struct {
	entry   *logrus.Entry
	verbose bool
}

// NewLogger creates a logger for the given level and component name.
// Level "trace" additionally enables the verbose helpers.
func NewLogger(level, component string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.JSONFormatter{})

	parsed, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	base.SetLevel(parsed)

	return &Logger{
		entry:   base.WithField("component", component),
		verbose: parsed >= logrus.TraceLevel,
	}
}

// WithComponent returns a child logger tagged with a different component name
// but sharing the same output and level.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		entry:   l.entry.Logger.WithField("component", component),
		verbose: l.verbose,
	}
}

func (l *Logger) Trace(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(pairsToFields(keysAndValues)).Trace(msg)
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(pairsToFields(keysAndValues)).Debug(msg)
}

func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(pairsToFields(keysAndValues)).Info(msg)
}

func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(pairsToFields(keysAndValues)).Warn(msg)
}

func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(pairsToFields(keysAndValues)).Error(msg)
}

// LogVerbose logs an event with a field map at info level when verbose
// logging is enabled.
func (l *Logger) LogVerbose(event string, fields map[string]interface{}) {
	if !l.verbose {
		return
	}
	l.entry.WithFields(logrus.Fields(fields)).Info(event)
}

// LogDebugVerbose logs an event with a field map at debug level.
func (l *Logger) LogDebugVerbose(event string, fields map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(fields)).Debug(event)
}

// LogStateChange logs a state transition of a named component.
func (l *Logger) LogStateChange(component, from, to, reason string, fields map[string]interface{}) {
	merged := logrus.Fields{
		"state_component": component,
		"from":            from,
		"to":              to,
		"reason":          reason,
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.entry.WithFields(merged).Info("state_change")
}

// pairsToFields converts variadic key-value pairs into logrus fields. Odd
// trailing values are kept under a synthetic key rather than dropped.
func pairsToFields(keysAndValues []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		fields[key] = keysAndValues[i+1]
	}
	if len(keysAndValues)%2 != 0 {
		fields["extra"] = keysAndValues[len(keysAndValues)-1]
	}
	return fields
}
