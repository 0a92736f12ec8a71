// Package settings holds the process-wide, immutable-after-init
// configuration record threaded by reference through every component,
// per spec.md §6 "Configuration" and DESIGN NOTES §9.
package settings

import "github.com/pkg/errors"

// Settings is the full set of recognized process-wide scalars from
// spec.md §6. It is constructed once via Default() and never
// mutated after that; components receive a *Settings and read from it.
type Settings struct {
	UseIMU             bool
	LinearizeOperation bool // true = deterministic, false = real-time
	RealTimeMaxKF      int

	DesiredPointDensity     float64
	DesiredImmatureNum      float64
	MaxFrames               int
	MinFramesBetweenKFs     float64
	KeyframesPerSecond      float64
	MaxTimeBetweenKFs       float64
	ForceNoKFTranslationThr float64

	KFGlobalWeight     float64
	MaxShiftWeightT    float64
	MaxShiftWeightR    float64
	MaxShiftWeightRT   float64
	MaxAffineWeight    float64
	ReTrackThreshold   float64

	TraceStepsize            float64
	TraceSlackInterval       float64
	TraceMinImprovementFact  float64
	TraceGNIterations        int
	TraceGNThreshold         float64
	TraceExtraSlackOnTH      float64
	MinTraceTestRadius       int
	MinTraceQuality          float64
	MaxPixSearch             float64 // fraction of (W+H)

	HuberTH               float64
	OutlierTH             float64
	OutlierTHSumComponent float64
	OverallEnergyTHWeight float64

	MinIdepth       float64
	MinIdepthHMarg  float64

	LogStuff                       bool
	DebugoutRunquiet               bool
	BenchmarkInitializerSlackFact  float64

	MaxTimeBetweenInitFrames float64

	OnlyLogKFPoses     bool
	SaveMetricPoses    bool
	UseCamToTrackingRef bool
}

// Default returns the settings used throughout spec.md's examples and
// scenarios, matching the numeric defaults called out explicitly in §6.
func Default() *Settings {
	return &Settings{
		UseIMU:             false,
		LinearizeOperation: false,
		RealTimeMaxKF:      7,

		DesiredPointDensity:     2000,
		DesiredImmatureNum:      1500,
		MaxFrames:               7,
		MinFramesBetweenKFs:     1,
		KeyframesPerSecond:      0,
		MaxTimeBetweenKFs:       0,
		ForceNoKFTranslationThr: 0,

		KFGlobalWeight:   1,
		MaxShiftWeightT:  0.25 * 1,
		MaxShiftWeightR:  0.25 * 1,
		MaxShiftWeightRT: 0.25 * 1,
		MaxAffineWeight:  2,
		ReTrackThreshold: 1.5,

		TraceStepsize:           1.0,
		TraceSlackInterval:      1.5,
		TraceMinImprovementFact: 2,
		TraceGNIterations:       3,
		TraceGNThreshold:        0.1,
		TraceExtraSlackOnTH:     1.2,
		MinTraceTestRadius:      2,
		MinTraceQuality:         3,
		MaxPixSearch:            0.027,

		HuberTH:               9,
		OutlierTH:             12 * 12,
		OutlierTHSumComponent: 50 * 50,
		OverallEnergyTHWeight: 1,

		MinIdepth:      0,
		MinIdepthHMarg: 50,

		LogStuff:                      false,
		DebugoutRunquiet:              true,
		BenchmarkInitializerSlackFact: 1,

		MaxTimeBetweenInitFrames: 3,

		OnlyLogKFPoses:      false,
		SaveMetricPoses:     false,
		UseCamToTrackingRef: false,
	}
}

// Validate checks invariants that must hold for the rest of the system to
// behave sensibly; constructors call this once at startup.
func (s *Settings) Validate() error {
	if s.MaxFrames <= 0 {
		return errors.Errorf("maxFrames must be positive, got %d", s.MaxFrames)
	}
	if s.TraceGNIterations < 0 {
		return errors.Errorf("trace_GNIterations must be >= 0, got %d", s.TraceGNIterations)
	}
	if s.MinTraceTestRadius < 0 {
		return errors.Errorf("minTraceTestRadius must be >= 0, got %d", s.MinTraceTestRadius)
	}
	if s.DesiredPointDensity <= 0 {
		return errors.Errorf("desiredPointDensity must be positive, got %f", s.DesiredPointDensity)
	}
	return nil
}
