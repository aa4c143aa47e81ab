package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"sensorhub/internal/model"
	"sensorhub/internal/storage"
)

// ErrUnknownSensor is returned when auto-registration is off and the
// external id has never been provisioned.
var ErrUnknownSensor = errors.New("unknown sensor")

type Registry struct {
	autoRegister bool
	logger       *slog.Logger
}

func New(autoRegister bool, logger *slog.Logger) *Registry {
	return &Registry{autoRegister: autoRegister, logger: logger}
}

// ResolveOrCreate returns the sensor for externalID, creating it on first
// sight. The bool result is true when this call created the row. A
// concurrent creator winning the insert is not an error: the row is re-read.
func (r *Registry) ResolveOrCreate(ctx context.Context, c *storage.Conn, externalID, sensorType string) (model.Sensor, bool, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return model.Sensor{}, false, errors.New("empty sensor id")
	}
	s, err := c.GetSensorByExternalID(ctx, externalID)
	if err == nil {
		return s, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return model.Sensor{}, false, fmt.Errorf("lookup sensor %s: %w", externalID, err)
	}
	if !r.autoRegister {
		return model.Sensor{}, false, fmt.Errorf("%w: %s", ErrUnknownSensor, externalID)
	}
	if strings.TrimSpace(sensorType) == "" {
		sensorType = model.TypeUnknown
	}
	created, err := c.InsertSensorIfAbsent(ctx, model.Sensor{
		ExternalID: externalID,
		Name:       "Sensor " + externalID,
		Type:       sensorType,
		Status:     model.StatusActive,
	})
	if err != nil {
		return model.Sensor{}, false, err
	}
	s, err = c.GetSensorByExternalID(ctx, externalID)
	if err != nil {
		return model.Sensor{}, false, fmt.Errorf("re-read sensor %s: %w", externalID, err)
	}
	if created && r.logger != nil {
		r.logger.Info("sensor registered", "sensor_id", externalID, "type", sensorType, "id", s.ID)
	}
	return s, created, nil
}
