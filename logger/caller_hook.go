package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// callerHook points entry.Caller at the first frame outside logrus and
// this package, so wrapped Entry methods report the real call site.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 24)
	n := runtime.Callers(5, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !skipFrame(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func skipFrame(fn string) bool {
	return strings.Contains(fn, "sirupsen/logrus") ||
		strings.HasPrefix(fn, "cryptotrack/logger.(*Entry)") ||
		strings.HasPrefix(fn, "cryptotrack/logger.(*Log)")
}
