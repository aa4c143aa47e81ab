package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sensorhub/internal/model"
)

var (
	ErrInvalidPayload  = errors.New("invalid telemetry payload")
	ErrMissingSensorID = errors.New("missing sensor_id")
	ErrMissingValue    = errors.New("missing value")
)

type wirePayload struct {
	SensorID  *string         `json:"sensor_id"`
	Value     *float64        `json:"value"`
	Unit      string          `json:"unit"`
	Type      string          `json:"type"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// Decode validates one inbound telemetry document. Unknown fields are ignored.
func Decode(payload []byte, source string) (model.Telemetry, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || payload[0] != '{' {
		return model.Telemetry{}, fmt.Errorf("%w: expected a JSON object", ErrInvalidPayload)
	}
	var w wirePayload
	if err := json.Unmarshal(payload, &w); err != nil {
		return model.Telemetry{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return fromWire(w, source)
}

// DecodeMap is Decode for documents that were already unmarshalled, such as
// the elements of a batch request.
func DecodeMap(obj map[string]any, source string) (model.Telemetry, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return model.Telemetry{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return Decode(data, source)
}

func fromWire(w wirePayload, source string) (model.Telemetry, error) {
	if w.SensorID == nil || strings.TrimSpace(*w.SensorID) == "" {
		return model.Telemetry{}, ErrMissingSensorID
	}
	if w.Value == nil {
		return model.Telemetry{}, ErrMissingValue
	}
	sensorType := strings.TrimSpace(w.Type)
	if sensorType == "" {
		sensorType = model.TypeUnknown
	}
	return model.Telemetry{
		SensorID:   strings.TrimSpace(*w.SensorID),
		Value:      *w.Value,
		Unit:       w.Unit,
		Type:       sensorType,
		SourceTime: rawTimestamp(w.Timestamp),
		Source:     source,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

func rawTimestamp(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return string(raw)
}

// DecodeError classifies err for metrics labels.
func DecodeError(err error) string {
	switch {
	case errors.Is(err, ErrMissingSensorID):
		return "missing_sensor_id"
	case errors.Is(err, ErrMissingValue):
		return "missing_value"
	default:
		return "invalid_payload"
	}
}
