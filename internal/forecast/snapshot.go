package forecast

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Snapshot is the plain-record form of a forecaster. HistoryLength and
// HistoryStd are needed to keep predicting after a restore; HistoryEnd keeps
// the seasonal phase aligned with the clock.
type Snapshot struct {
	Alpha         float64   `json:"alpha"`
	Beta          float64   `json:"beta"`
	Gamma         float64   `json:"gamma"`
	SeasonLength  int       `json:"seasonLength"`
	Level         float64   `json:"level"`
	Trend         float64   `json:"trend"`
	Seasonal      []float64 `json:"seasonal"`
	Trained       bool      `json:"trained"`
	HistoryLength int       `json:"historyLength"`
	HistoryStd    float64   `json:"historyStd"`
	HistoryEnd    time.Time `json:"historyEnd"`
}

// Snapshot captures the forecaster. An untrained forecaster has Trained false.
func (f *Forecaster) Snapshot() Snapshot {
	snap := Snapshot{
		Alpha:        f.params.Alpha,
		Beta:         f.params.Beta,
		Gamma:        f.params.Gamma,
		SeasonLength: f.params.SeasonLength,
	}
	if s := f.model.Load(); s != nil {
		snap.Level = s.level
		snap.Trend = s.trend
		snap.Seasonal = append([]float64(nil), s.seasonal...)
		snap.Trained = true
		snap.HistoryLength = s.historyLength
		snap.HistoryStd = s.historyStd
		snap.HistoryEnd = s.historyEnd
	}
	return snap
}

// FromSnapshot restores a forecaster.
func FromSnapshot(snap Snapshot) (*Forecaster, error) {
	f, err := New(Params{Alpha: snap.Alpha, Beta: snap.Beta, Gamma: snap.Gamma, SeasonLength: snap.SeasonLength})
	if err != nil {
		return nil, err
	}
	if !snap.Trained {
		return f, nil
	}
	if len(snap.Seasonal) != snap.SeasonLength {
		return nil, fmt.Errorf("forecast snapshot: %d seasonal components, season length %d", len(snap.Seasonal), snap.SeasonLength)
	}
	if snap.HistoryLength < 0 || snap.HistoryStd < 0 || math.IsNaN(snap.HistoryStd) {
		return nil, errors.New("forecast snapshot: invalid history summary")
	}
	f.model.Store(&state{
		level:         snap.Level,
		trend:         snap.Trend,
		seasonal:      append([]float64(nil), snap.Seasonal...),
		historyLength: snap.HistoryLength,
		historyStd:    snap.HistoryStd,
		historyEnd:    snap.HistoryEnd,
	})
	return f, nil
}
