// Package util provides logging, counters and small concurrency helpers
// shared across the call stack.
package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm prefixed printers.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// CallLog writes log lines scoped to one call. The call id travels as a
// structured "call" argument, so JSON output keeps it as a field.
type CallLog struct {
	id string
}

// Call returns the logger for callID. An empty id logs as "-".
func Call(callID string) CallLog {
	return CallLog{id: ShortCallID(callID)}
}

// ShortCallID trims a call id to the prefix shown in logs.
func ShortCallID(callID string) string {
	if callID == "" {
		return "-"
	}
	if len(callID) > 8 {
		return callID[:8]
	}
	return callID
}

func (c CallLog) args() []pterm.LoggerArgument {
	return pterm.DefaultLogger.Args("call", c.id)
}

func (c CallLog) Debug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...), c.args())
}

func (c CallLog) Info(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...), c.args())
}

func (c CallLog) Success(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...), c.args())
}

func (c CallLog) Warning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...), c.args())
}

func (c CallLog) Error(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...), c.args())
}

// EnableJSON switches every log line to one JSON object.
func EnableJSON() {
	pterm.DefaultLogger.Formatter = pterm.LogFormatterJSON
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}
