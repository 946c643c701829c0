// Package telemetry defines the sensor reading received from generation equipment.
// This package has NO external dependencies. Readings are plain values; nothing
// here performs I/O.
package telemetry

import "time"

// Label classifies a reading, either by a generator or by a human reviewer.
type Label string

const (
	LabelNormal           Label = "normal"
	LabelFraudInflate     Label = "fraud_inflate"
	LabelFraudUnderreport Label = "fraud_underreport"
	LabelSensorFault      Label = "sensor_fault"
)

// IsAnomalous reports whether the label marks anything other than normal operation.
func (l Label) IsAnomalous() bool {
	return l != LabelNormal && l != ""
}

// Reading is a single periodic measurement from a hydropower plant.
// Optional water-quality fields are nil when the device did not report them.
type Reading struct {
	// ID identifies the reading for feedback correlation. May be empty.
	ID       string    `json:"id,omitempty"`
	DeviceID string    `json:"device_id"`
	Time     time.Time `json:"timestamp"`

	FlowRate float64 `json:"flow_rate_m3_per_s"`
	Head     float64 `json:"head_height_m"`
	Energy   float64 `json:"generated_kwh"`

	PH          *float64 `json:"ph,omitempty"`
	Turbidity   *float64 `json:"turbidity_ntu,omitempty"`
	Temperature *float64 `json:"temperature_celsius,omitempty"`
}

// Float returns a pointer to v, for populating optional Reading fields.
func Float(v float64) *float64 {
	return &v
}
