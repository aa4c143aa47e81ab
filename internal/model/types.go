package model

import "time"

type SensorStatus string

const (
	StatusActive      SensorStatus = "active"
	StatusInactive    SensorStatus = "inactive"
	StatusMaintenance SensorStatus = "maintenance"
)

const (
	TypeTemperature  = "temperature"
	TypeHumidity     = "humidity"
	TypeSoilMoisture = "soil_moisture"
	TypeLight        = "light"
	TypeUnknown      = "unknown"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Sensor is keyed internally by ID; ExternalID is the device-assigned code
// seen in telemetry and never changes after creation.
type Sensor struct {
	ID          int64        `json:"id"`
	ExternalID  string       `json:"sensor_id"`
	Name        string       `json:"name"`
	Type        string       `json:"type"`
	Status      SensorStatus `json:"status"`
	Location    string       `json:"location,omitempty"`
	Description string       `json:"description,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Reading is append-only. EncryptedValue is the only form of the value at rest.
type Reading struct {
	ID             int64     `json:"id"`
	SensorID       int64     `json:"sensor_id"`
	EncryptedValue string    `json:"-"`
	Unit           string    `json:"unit,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// DecodedReading is a Reading as presented on the read path. Value is nil
// and Available false when the ciphertext could not be decrypted.
type DecodedReading struct {
	Reading
	Value     *float64 `json:"value"`
	Available bool     `json:"available"`
}

type Alert struct {
	ID             int64      `json:"id"`
	SensorID       int64      `json:"sensor_id"`
	AlertType      string     `json:"alert_type"`
	Message        string     `json:"message"`
	Severity       Severity   `json:"severity"`
	ThresholdValue float64    `json:"threshold_value"`
	ActualValue    float64    `json:"actual_value"`
	Resolved       bool       `json:"is_resolved"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// Telemetry is one decoded inbound message.
type Telemetry struct {
	SensorID   string    `json:"sensor_id"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	Type       string    `json:"type,omitempty"`
	SourceTime string    `json:"timestamp,omitempty"`
	Source     string    `json:"-"`
	ReceivedAt time.Time `json:"-"`
}

type ReadingStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	Count int     `json:"count"`
}
