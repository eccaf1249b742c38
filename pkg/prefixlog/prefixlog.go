// Package prefixlog tags every message of a logs.Log with a component name,
// so that the output of concurrent evaluation runs can be told apart.
package prefixlog

import "github.com/cyclopcam/logs"

type Logger struct {
	Log    logs.Log
	Prefix string
}

// New returns a logger that writes "prefix: message" to log
func New(log logs.Log, prefix string) *Logger {
	return &Logger{
		Log:    log,
		Prefix: prefix + ": ",
	}
}

// Close is a no-op. The underlying log belongs to whoever created it.
func (l *Logger) Close() {
}

func (l *Logger) Debugf(format string, a ...any) {
	l.Log.Debugf(l.Prefix+format, a...)
}

func (l *Logger) Infof(format string, a ...any) {
	l.Log.Infof(l.Prefix+format, a...)
}

func (l *Logger) Warnf(format string, a ...any) {
	l.Log.Warnf(l.Prefix+format, a...)
}

func (l *Logger) Errorf(format string, a ...any) {
	l.Log.Errorf(l.Prefix+format, a...)
}

func (l *Logger) Criticalf(format string, a ...any) {
	l.Log.Criticalf(l.Prefix+format, a...)
}
