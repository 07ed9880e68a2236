package logger

import (
	"encoding/json"
	"io"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/sirupsen/logrus"
)

// Echo returns an echo.Logger that writes through the given logrus entry.
func Echo(entry *logrus.Entry) echo.Logger {
	return &echoLogger{entry: entry}
}

type echoLogger struct {
	entry  *logrus.Entry
	prefix string
}

func fields(j log.JSON) logrus.Fields {
	return logrus.Fields(j)
}

func marshal(j log.JSON) string {
	b, err := json.Marshal(j)
	if err != nil {
		return err.Error()
	}
	return string(b)
}

func (l *echoLogger) Level() log.Lvl {
	switch l.entry.Logger.GetLevel() {
	case logrus.TraceLevel, logrus.DebugLevel:
		return log.DEBUG
	case logrus.InfoLevel:
		return log.INFO
	case logrus.WarnLevel:
		return log.WARN
	default:
		return log.ERROR
	}
}

// SetLevel is a no-op; the level follows the process-wide logrus level.
func (l *echoLogger) SetLevel(log.Lvl) {}

func (l *echoLogger) Output() io.Writer       { return l.entry.Logger.Out }
func (l *echoLogger) SetOutput(w io.Writer)   { l.entry.Logger.SetOutput(w) }
func (l *echoLogger) Prefix() string          { return l.prefix }
func (l *echoLogger) SetPrefix(prefix string) { l.prefix = prefix }
func (l *echoLogger) SetHeader(string)        {}

func (l *echoLogger) Print(i ...interface{})                    { l.entry.Print(i...) }
func (l *echoLogger) Printf(format string, args ...interface{}) { l.entry.Printf(format, args...) }
func (l *echoLogger) Printj(j log.JSON)                         { l.entry.WithFields(fields(j)).Print() }
func (l *echoLogger) Debug(i ...interface{})                    { l.entry.Debug(i...) }
func (l *echoLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *echoLogger) Debugj(j log.JSON)                         { l.entry.WithFields(fields(j)).Debug() }
func (l *echoLogger) Info(i ...interface{})                     { l.entry.Info(i...) }
func (l *echoLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *echoLogger) Infoj(j log.JSON)                          { l.entry.WithFields(fields(j)).Info() }
func (l *echoLogger) Warn(i ...interface{})                     { l.entry.Warn(i...) }
func (l *echoLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *echoLogger) Warnj(j log.JSON)                          { l.entry.WithFields(fields(j)).Warn() }
func (l *echoLogger) Error(i ...interface{})                    { l.entry.Error(i...) }
func (l *echoLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
func (l *echoLogger) Errorj(j log.JSON)                         { l.entry.WithFields(fields(j)).Error() }
func (l *echoLogger) Fatal(i ...interface{})                    { l.entry.Fatal(i...) }
func (l *echoLogger) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }
func (l *echoLogger) Fatalj(j log.JSON)                         { l.entry.Fatal(marshal(j)) }
func (l *echoLogger) Panic(i ...interface{})                    { l.entry.Panic(i...) }
func (l *echoLogger) Panicf(format string, args ...interface{}) { l.entry.Panicf(format, args...) }
func (l *echoLogger) Panicj(j log.JSON)                         { l.entry.Panic(marshal(j)) }
