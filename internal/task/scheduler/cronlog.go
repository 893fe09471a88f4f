package scheduler

import (
	"fmt"

	logx "birthdaybot/pkg/logx"
)

// cronLogger adapts cron's logger to the loop's. Chain skips are folded into the
// loop's throttled skip report.
type cronLogger struct{ l *Loop }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	if msg == "skip" {
		c.l.reportSkip()
		return
	}
	c.l.log.Trace("cron: "+msg, kvFields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
