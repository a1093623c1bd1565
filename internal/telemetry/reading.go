package telemetry

import (
	"encoding/json"
	"fmt"

	"github.com/ubbcluj-cs-club-iot/devicelink/internal/infrastructure/mqtt"
)

// Reading is one telemetry sample.
type Reading struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
}

// Encode returns the JSON payload for r.
func (r Reading) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeReading parses a telemetry payload. Both fields are required.
func DecodeReading(payload []byte) (Reading, error) {
	var raw struct {
		Temperature *float64 `json:"temperature"`
		Humidity    *float64 `json:"humidity"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Reading{}, fmt.Errorf("%w: reading: %w", mqtt.ErrPayloadDecode, err)
	}
	if raw.Temperature == nil || raw.Humidity == nil {
		return Reading{}, fmt.Errorf("%w: reading: temperature and humidity are required", mqtt.ErrPayloadDecode)
	}
	return Reading{Temperature: *raw.Temperature, Humidity: *raw.Humidity}, nil
}
