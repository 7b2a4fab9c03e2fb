package logging

import (
	"fmt"
	"io"
	stdlog "log"

	"github.com/hashicorp/go-hclog"
)

// hclogBridge adapts this package's leveled logger to hclog.Logger so
// hashicorp/raft's internal logging flows through the same sink as the rest
// of kestrel instead of writing to its own stream.
type hclogBridge struct {
	name string
}

// NewHCLogBridge returns an hclog.Logger backed by this package's Log
// function, for handing to raft.Config.Logger.
func NewHCLogBridge(name string) hclog.Logger {
	return &hclogBridge{name: name}
}

func (h *hclogBridge) emit(level hclog.Level, msg string, args ...interface{}) {
	line := msg
	for i := 0; i+1 < len(args); i += 2 {
		line += " " + toString(args[i]) + "=" + toString(args[i+1])
	}
	switch {
	case level >= hclog.Error:
		Error("[%s] %s", h.name, line)
	case level >= hclog.Warn:
		Warn("[%s] %s", h.name, line)
	case level >= hclog.Info:
		Info("[%s] %s", h.name, line)
	default:
		Debug("[%s] %s", h.name, line)
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func (h *hclogBridge) Log(level hclog.Level, msg string, args ...interface{}) { h.emit(level, msg, args...) }
func (h *hclogBridge) Trace(msg string, args ...interface{})                  { h.emit(hclog.Trace, msg, args...) }
func (h *hclogBridge) Debug(msg string, args ...interface{})                  { h.emit(hclog.Debug, msg, args...) }
func (h *hclogBridge) Info(msg string, args ...interface{})                   { h.emit(hclog.Info, msg, args...) }
func (h *hclogBridge) Warn(msg string, args ...interface{})                   { h.emit(hclog.Warn, msg, args...) }
func (h *hclogBridge) Error(msg string, args ...interface{})                  { h.emit(hclog.Error, msg, args...) }

func (h *hclogBridge) IsTrace() bool { return levelRank[DEBUG] >= levelRank[LogLevel] }
func (h *hclogBridge) IsDebug() bool { return levelRank[DEBUG] >= levelRank[LogLevel] }
func (h *hclogBridge) IsInfo() bool  { return levelRank[INFO] >= levelRank[LogLevel] }
func (h *hclogBridge) IsWarn() bool  { return levelRank[WARN] >= levelRank[LogLevel] }
func (h *hclogBridge) IsError() bool { return levelRank[ERROR] >= levelRank[LogLevel] }

func (h *hclogBridge) ImpliedArgs() []interface{} { return nil }

func (h *hclogBridge) With(args ...interface{}) hclog.Logger { return h }

func (h *hclogBridge) Name() string { return h.name }

func (h *hclogBridge) Named(name string) hclog.Logger {
	return &hclogBridge{name: h.name + "." + name}
}

func (h *hclogBridge) ResetNamed(name string) hclog.Logger {
	return &hclogBridge{name: name}
}

func (h *hclogBridge) SetLevel(level hclog.Level) {}

func (h *hclogBridge) GetLevel() hclog.Level { return hclog.Info }

// StandardLogger and StandardWriter satisfy hclog.Logger but are never
// exercised by raft in normal operation; they discard output rather than
// duplicate it outside this bridge.
func (h *hclogBridge) StandardLogger(opts *hclog.StandardLoggerOptions) *stdlog.Logger {
	return stdlog.New(io.Discard, "", 0)
}

func (h *hclogBridge) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	return io.Discard
}
