package mqtt

import (
	"fmt"
	"strings"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Logger defines the logging interface used by the session.
// This avoids importing the logging package and allows any structured logger to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger discards all log output.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// pahoLogger adapts Logger to paho's Println/Printf logger interface.
type pahoLogger struct {
	log   func(msg string, args ...any)
	level string
}

func (l pahoLogger) Println(v ...any) {
	l.log(strings.TrimSpace(fmt.Sprintln(v...)), "source", "paho", "paho_level", l.level)
}

func (l pahoLogger) Printf(format string, v ...any) {
	l.log(strings.TrimSpace(fmt.Sprintf(format, v...)), "source", "paho", "paho_level", l.level)
}

// BridgePahoLogging routes paho's package-level loggers into log.
// Paho's DEBUG output is very chatty and is only bridged when debug is set.
// The loggers are process-wide; call this once during startup.
func BridgePahoLogging(log Logger, debug bool) {
	pahomqtt.CRITICAL = pahoLogger{log: log.Error, level: "critical"}
	pahomqtt.ERROR = pahoLogger{log: log.Error, level: "error"}
	pahomqtt.WARN = pahoLogger{log: log.Warn, level: "warn"}
	if debug {
		pahomqtt.DEBUG = pahoLogger{log: log.Debug, level: "debug"}
	} else {
		pahomqtt.DEBUG = pahomqtt.NOOPLogger{}
	}
}
