package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// EarlyLog reports failures that happen before the structured logger exists,
// such as a missing or invalid config file. Lines use the same keys as the
// zap JSON encoder so log shippers parse them alike.
type EarlyLog struct {
	w   io.Writer
	now func() time.Time
}

func NewEarlyLog() *EarlyLog {
	return &EarlyLog{w: os.Stderr, now: time.Now}
}

func (l *EarlyLog) Error(msg string, args ...interface{}) {
	l.write("error", msg, args...)
}

func (l *EarlyLog) Warn(msg string, args ...interface{}) {
	l.write("warn", msg, args...)
}

func (l *EarlyLog) write(level, msg string, args ...interface{}) {
	line, err := json.Marshal(map[string]string{
		"level":        level,
		"timestamp":    l.now().UTC().Format("2006-01-02T15:04:05.000Z0700"),
		"message":      fmt.Sprintf(msg, args...),
		ServiceNameKey: "hookrelay",
	})
	if err != nil {
		fmt.Fprintf(l.w, "%s: %s\n", level, fmt.Sprintf(msg, args...))
		return
	}
	l.w.Write(append(line, '\n'))
}
