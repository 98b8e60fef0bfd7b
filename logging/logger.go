package logging

import "fmt"

// Debugf logs a formatted message at Debug level.
func (l Logger) Debugf(format string, args ...interface{}) {
	l.emit(Debug, fmt.Sprintf(format, args...))
}

// Infof logs a formatted message at Info level.
func (l Logger) Infof(format string, args ...interface{}) {
	l.emit(Info, fmt.Sprintf(format, args...))
}

// Errorf logs a formatted message at Error level.
func (l Logger) Errorf(format string, args ...interface{}) {
	l.emit(Error, fmt.Sprintf(format, args...))
}
