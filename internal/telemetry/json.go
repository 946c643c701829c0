package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidReading is returned by Decode when a payload cannot be used as a reading.
var ErrInvalidReading = errors.New("invalid reading")

// Decode parses a JSON reading payload. Only structural problems are rejected;
// out-of-range values are left for feature extraction to clamp.
func Decode(payload []byte) (Reading, error) {
	var r Reading
	if err := json.Unmarshal(payload, &r); err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrInvalidReading, err)
	}
	if r.DeviceID == "" {
		return Reading{}, fmt.Errorf("%w: missing device_id", ErrInvalidReading)
	}
	for name, v := range map[string]float64{
		"flow_rate_m3_per_s": r.FlowRate,
		"head_height_m":      r.Head,
		"generated_kwh":      r.Energy,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Reading{}, fmt.Errorf("%w: %s is not finite", ErrInvalidReading, name)
		}
	}
	return r, nil
}

// Encode serializes a reading as JSON.
func Encode(r Reading) ([]byte, error) {
	return json.Marshal(r)
}
