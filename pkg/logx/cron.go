package logx

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// cronLogger routes robfig/cron's internal logging through a logx.Logger.
// cron's Info output (schedule/wake/run) is noisy, so it is demoted to Debug.
type cronLogger struct{ log Logger }

// CronLogger adapts l to the cron.Logger interface.
func CronLogger(l Logger) cron.Logger {
	if l.IsZero() {
		l = Nop()
	}
	return cronLogger{log: l}
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	if !c.log.Enabled(LevelDebug) {
		return
	}
	c.log.Debug("cron."+msg, kvFields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := append(kvFields(keysAndValues), Err(err))
	c.log.Error("cron."+msg, fields...)
}

func kvFields(kv []interface{}) []Field {
	out := make([]Field, 0, len(kv)/2+1)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	if len(kv)%2 == 1 {
		out = append(out, Any("extra", kv[len(kv)-1]))
	}
	return out
}
