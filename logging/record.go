// Package logging defines the shape of the log records the core emits. The
// record type, its formatting, and where records end up (file, stdout,
// nowhere) are all external-collaborator concerns per spec.md §6; this
// package only fixes the vocabulary the Node and Storage Manager use to
// talk to whatever sink the surrounding program wires in, mirroring the
// Println-style calls Sia's persist.Logger exposes without committing to
// persist's own file-backed implementation.
package logging

import "time"

// Level is the severity of a Record.
type Level int

const (
	Debug Level = iota
	Info
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Record is one structured log entry: when it happened, which component
// produced it, at what level, and the human-readable text.
type Record struct {
	Time   time.Time
	Module string
	Level  Level
	Text   string
}

// Sink receives log records. The Node and Storage Manager only ever call
// Log; formatting and persistence belong to whatever Sink the caller
// supplies.
type Sink interface {
	Log(Record)
}

// Logger is a thin per-module handle over a Sink, grounded on the
// `g.log.Debugf(...)`-style call sites in modules/gateway: callers write
// `logger.Infof("peer %v connected", addr)` instead of constructing Records
// by hand.
type Logger struct {
	module string
	sink   Sink
}

// New returns a Logger that tags every record with module and forwards it
// to sink. A nil sink is valid and silently discards all records, so
// packages can be constructed without a logger in tests.
func New(module string, sink Sink) Logger {
	return Logger{module: module, sink: sink}
}

func (l Logger) emit(level Level, text string) {
	if l.sink == nil {
		return
	}
	l.sink.Log(Record{Time: time.Now(), Module: l.module, Level: level, Text: text})
}
