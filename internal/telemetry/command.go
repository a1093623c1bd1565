package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ubbcluj-cs-club-iot/devicelink/internal/infrastructure/mqtt"
)

// CommandHandler handles the command topic. Each payload must be a JSON object.
type CommandHandler struct {
	recorder MessageRecorder
	logger   Logger
	handled  atomic.Int64
}

// NewCommandHandler creates a command handler. recorder may be nil.
func NewCommandHandler(recorder MessageRecorder, logger Logger) *CommandHandler {
	if logger == nil {
		logger = noopLogger{}
	}
	return &CommandHandler{recorder: recorder, logger: logger}
}

// Handle decodes and logs a command. It has the mqtt.MessageHandler signature.
func (h *CommandHandler) Handle(topic string, payload []byte) error {
	var command map[string]any
	err := json.Unmarshal(payload, &command)
	if err == nil && command == nil {
		err = errors.New("payload is null")
	}

	if h.recorder != nil {
		h.recorder.Message(topic, payload, err == nil)
	}
	if err != nil {
		return fmt.Errorf("%w: command: %w", mqtt.ErrPayloadDecode, err)
	}

	h.handled.Add(1)
	h.logger.Info("command received", "topic", topic, "command", command)
	return nil
}

// Handled returns the number of commands decoded so far.
func (h *CommandHandler) Handled() int64 {
	return h.handled.Load()
}
