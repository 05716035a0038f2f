package common

import log "github.com/sirupsen/logrus"

// Logger is the minimal logging capability the queue manager and the IES
// kernel depend on. Production code is handed a *logrus.Logger (which
// satisfies this interface); tests hand in a recording fake so assertions
// can be made on emitted fields instead of scraped stdout.
type Logger interface {
	WithField(key string, value interface{}) *log.Entry
	WithFields(fields log.Fields) *log.Entry
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// StandardLogger returns the process-wide logrus logger as a Logger.
func StandardLogger() Logger {
	return log.StandardLogger()
}
