package log

import (
	"github.com/sirupsen/logrus"
)

// Logrus adapts a *logrus.Entry to Logger; NewLogrus builds one from a
// *logrus.Logger.
type Logrus struct{ Entry *logrus.Entry }

var _ Logger = Logrus{}

// NewLogrus wraps l, creating a base Entry with no fields set.
func NewLogrus(l *logrus.Logger) Logrus {
	return Logrus{Entry: logrus.NewEntry(l)}
}

func (x Logrus) WithField(key string, value any) Logger {
	return Logrus{Entry: x.Entry.WithField(key, value)}
}

func (x Logrus) WithFields(fields map[string]any) Logger {
	return Logrus{Entry: x.Entry.WithFields(logrus.Fields(fields))}
}

func (x Logrus) WithError(err error) Logger {
	return Logrus{Entry: x.Entry.WithError(err)}
}

func (x Logrus) Event(level Level, msg string, fields ...Field) {
	entry := x.Entry
	if len(fields) > 0 {
		lf := make(logrus.Fields, len(fields))
		for _, f := range fields {
			lf[f.Key] = f.Value
		}
		entry = entry.WithFields(lf)
	}
	switch level {
	case LevelDebug:
		entry.Debug(msg)
	case LevelWarn:
		entry.Warn(msg)
	case LevelError:
		entry.Error(msg)
	default:
		entry.Info(msg)
	}
}
