// Package logger defines the logging interface used across ldcache.
package logger

// Logger is a leveled, key-value logger.
type Logger interface {
	Debug(message string, keyvals ...any)
	Info(message string, keyvals ...any)
	Warn(message string, keyvals ...any)
	Error(message string, keyvals ...any)
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Multi dispatches every call to each of the given loggers.
func Multi(instances ...Logger) Logger {
	return multiLogger{instances: instances}
}

type multiLogger struct {
	instances []Logger
}

func (m multiLogger) Debug(message string, keyvals ...any) {
	for _, instance := range m.instances {
		instance.Debug(message, keyvals...)
	}
}

func (m multiLogger) Info(message string, keyvals ...any) {
	for _, instance := range m.instances {
		instance.Info(message, keyvals...)
	}
}

func (m multiLogger) Warn(message string, keyvals ...any) {
	for _, instance := range m.instances {
		instance.Warn(message, keyvals...)
	}
}

func (m multiLogger) Error(message string, keyvals ...any) {
	for _, instance := range m.instances {
		instance.Error(message, keyvals...)
	}
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop()
	}
	return l
}
