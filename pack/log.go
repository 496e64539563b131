package pack

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// logLine formats a log message with an optional object prefix, so
// output reads "packed writer: wrote entry ..." and lines from
// concurrent operations can be told apart.
func logLine(o interface{}, format string, args ...interface{}) string {
	out := fmt.Sprintf(format, args...)
	if o != nil {
		out = fmt.Sprintf("%v: %s", o, out)
	}
	return out
}

// Errorf writes error level output for an object. It should only be
// used for failures that abort the operation.
func Errorf(o interface{}, format string, args ...interface{}) {
	if logrus.IsLevelEnabled(logrus.ErrorLevel) {
		logrus.Error(logLine(o, format, args...))
	}
}

// Logf writes notice level output for an object, shown by default.
func Logf(o interface{}, format string, args ...interface{}) {
	if logrus.IsLevelEnabled(logrus.WarnLevel) {
		logrus.Warn(logLine(o, format, args...))
	}
}

// Infof writes info level output for an object, shown with -v.
func Infof(o interface{}, format string, args ...interface{}) {
	if logrus.IsLevelEnabled(logrus.InfoLevel) {
		logrus.Info(logLine(o, format, args...))
	}
}

// Debugf writes debug level output for an object, shown with -vv.
// Debug level is needed for very large quantities of output.
func Debugf(o interface{}, format string, args ...interface{}) {
	if logrus.IsLevelEnabled(logrus.DebugLevel) {
		logrus.Debug(logLine(o, format, args...))
	}
}
