package conenat

import (
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var logLevels = [...]logrus.Level{
	logrus.PanicLevel, // 0: none
	logrus.ErrorLevel,
	logrus.WarnLevel,
	logrus.InfoLevel,
	logrus.DebugLevel,
	logrus.TraceLevel,
}

// LogLevel maps a 0..5 verbosity onto logrus. Values above 5 mean trace.
func LogLevel(v int) logrus.Level {
	if v < 0 {
		v = 0
	}
	return logLevels[min(v, len(logLevels)-1)]
}

func NewLogger(level int, out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(LogLevel(level))
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006/01/02 15:04:05",
	})
	return l
}

// rateLog throttles warnings that can fire once per packet.
type rateLog struct {
	lim *rate.Limiter
	log *logrus.Entry
}

func newRateLog(log *logrus.Entry) *rateLog {
	return &rateLog{lim: rate.NewLimiter(rate.Limit(1), 5), log: log}
}

func (r *rateLog) Warn(err error, f Flow, dir Direction) {
	if !r.log.Logger.IsLevelEnabled(logrus.WarnLevel) || !r.lim.Allow() {
		return
	}
	r.log.WithError(err).WithFields(logrus.Fields{
		"flow": f,
		"dir":  dir,
	}).Warn("packet dropped")
}
