package opstream

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `opstream` package:
// Info:
//     essential events for abnormal behavior. This level should be silent
//     on normal operation, with the exception of one time (infrequent)
//     session data that is useful for monitoring
//     this includes:
//     - stream faults and authorization rejects
//     - abnormal transport exits
// V(1):
//     stream lifecycle events: handshakes, established peers, ends
// V(2):
//     per-batch events: flushes, decoded op counts, keep-alive pings

type LogFunction func(format string, a ...any)

// LogFn tags a verbosity level with a stream tag, e.g. `[os]a1b2`
func LogFn(v glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(v) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s: %s", tag, m))
		}
	}
}
