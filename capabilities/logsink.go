package capabilities

import "github.com/qmlh/agentmesh/log"

// StdLogSink adapts the kernel's log package (InfoLog/WarningLog/ErrorLog)
// to the LogSink capability.
type StdLogSink struct{}

func (StdLogSink) Log(level string, message string, context map[string]any) {
	logger := log.InfoLog
	switch level {
	case "warning":
		logger = log.WarningLog
	case "error":
		logger = log.ErrorLog
	case "debug":
		logger = log.DebugLog
	}
	if logger == nil {
		return
	}
	if len(context) == 0 {
		logger.Printf("%s", message)
		return
	}
	logger.Printf("%s %v", message, context)
}
