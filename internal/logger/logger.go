// Package logger wraps cenkalti/log so every engine, session, and
// orchestrator gets its own named logger, the way the teacher's
// internal/logger package does.
package logger

import (
	"github.com/cenkalti/log"
)

// Logger is the subset of cenkalti/log's interface used across the module.
type Logger = log.Logger

var debug bool

// SetDebug raises the level of every logger created after this call to
// DEBUG. Wired from the CLI's --debug flag.
func SetDebug(on bool) { debug = on }

// New returns a named logger, e.g. "peer 1.2.3.4:6881" or "download ubuntu-22".
func New(name string) Logger {
	l := log.NewLogger(name)
	if debug {
		l.SetLevel(log.DEBUG)
	} else {
		l.SetLevel(log.INFO)
	}
	return l
}
