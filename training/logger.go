package training

import (
	"fmt"
	"io"
	"time"
)

// statusLogger writes timestamped status lines when verbose > 0.
type statusLogger struct {
	out     io.Writer
	verbose int
}

func (l statusLogger) Printf(format string, args ...interface{}) {
	if l.verbose <= 0 || l.out == nil {
		return
	}
	fmt.Fprintf(l.out, "%s %s\n", time.Now().Format(time.ANSIC), fmt.Sprintf(format, args...))
}

// Warnf is printed regardless of verbosity
func (l statusLogger) Warnf(format string, args ...interface{}) {
	if l.out == nil {
		return
	}
	fmt.Fprintf(l.out, "%s Warning: %s\n", time.Now().Format(time.ANSIC), fmt.Sprintf(format, args...))
}
