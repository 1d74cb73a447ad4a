/*------------------------------------------------------------------------------
* config.go : tunable defaults
*
* centralizes every numeric default the MLAT pipeline needs, the way
* gnssgo's PrcOpt and SolOpt (types.go) centralize RTK processing/output
* options instead of scattering magic numbers through the solver and
* filters.
*-----------------------------------------------------------------------------*/
package mlat

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable default the MLAT pipeline needs. Zero-value Config is
// not usable; call DefaultConfig() and override fields as needed, or load
// from YAML with LoadConfig.
type Config struct {
	// Receiver session (spec 4.1, 5)
	HistoryLen     int           `yaml:"history_len"`      // bounded arrival ring per receiver
	ReceiverSilent time.Duration `yaml:"receiver_silent"`  // drop receiver after this much silence
	TickWrapGap    time.Duration `yaml:"tick_wrap_gap"`    // gap > this resets the unwrap
	RateLimitMsgs  int           `yaml:"rate_limit_msgs"`  // capacity of the server's shared arrival queue; no per-receiver msgs/s limit is applied

	// Clock-pair tracker (spec 4.2)
	PairingWindow    time.Duration `yaml:"pairing_window"`     // DF17 wall-clock proximity window
	SigmaRatePerSec  float64       `yaml:"sigma_rate_per_sec"` // oscillator rate random walk, 1/s
	SigmaOffsetPerSec float64      `yaml:"sigma_offset_per_sec"`
	MeasurementFloor float64       `yaml:"measurement_floor_s2"` // s^2 floor on R
	OutlierSigma     float64       `yaml:"outlier_sigma"`        // innovation gate multiplier
	MaxConsecutiveReject int       `yaml:"max_consecutive_reject"`
	BootstrapK       int           `yaml:"bootstrap_k"`
	BootstrapWindow  time.Duration `yaml:"bootstrap_window"`
	MinObservations  int           `yaml:"min_observations"` // before publish to graph
	PairIdleTimeout  time.Duration `yaml:"pair_idle_timeout"`
	GeometryContradiction float64  `yaml:"geometry_contradiction_s"` // |z| beyond this resets the pair

	// Clock graph (spec 4.3)
	GraphVarianceCeiling float64 `yaml:"graph_variance_ceiling"` // seconds^2
	GraphHopBias         float64 `yaml:"graph_hop_bias"`

	// Correlator (spec 4.4)
	CorrelationWindow time.Duration `yaml:"correlation_window"`
	GroupCloseDelay   time.Duration `yaml:"group_close_delay"`
	MinGroupReceivers int           `yaml:"min_group_receivers"`
	HammingTolerance  int           `yaml:"hamming_tolerance"`

	// Solver (spec 4.5)
	LMInitialLambda  float64       `yaml:"lm_initial_lambda"`
	LMLambdaUp       float64       `yaml:"lm_lambda_up"`
	LMLambdaDown     float64       `yaml:"lm_lambda_down"`
	LMMaxIterations  int           `yaml:"lm_max_iterations"`
	LMStepTolerance  float64       `yaml:"lm_step_tolerance_m"`
	AltitudeVariance float64       `yaml:"altitude_variance_m2"`
	MaxAltitude      float64       `yaml:"max_altitude_m"`
	ChiSqThreshold   float64       `yaml:"chisq_threshold"`
	MaxSemiMajorAxis float64       `yaml:"max_semi_major_axis_m"`
	CollinearityCap  float64       `yaml:"collinearity_cap"`
	SolverBudget     time.Duration `yaml:"solver_budget"`

	// Aircraft tracker (spec 4.6)
	TrackMahalanobisGate float64       `yaml:"track_mahalanobis_gate"`
	TrackTimeout         time.Duration `yaml:"track_timeout"`
	TrackReuseWindow     time.Duration `yaml:"track_reuse_window"`

	// Backpressure (spec 5)
	SolverQueueHighWater int `yaml:"solver_queue_high_water"`
	SolverWorkers        int `yaml:"solver_workers"`
}

// DefaultConfig returns the pipeline's documented numeric defaults.
func DefaultConfig() Config {
	return Config{
		HistoryLen:     64,
		ReceiverSilent: 30 * time.Second,
		TickWrapGap:    1 * time.Second,
		RateLimitMsgs:  5000,

		PairingWindow:         5 * time.Second,
		SigmaRatePerSec:       1e-6, // 1 ppm/s
		SigmaOffsetPerSec:     100e-9,
		MeasurementFloor:      50e-9 * 50e-9,
		OutlierSigma:          4.0,
		MaxConsecutiveReject:  6,
		BootstrapK:            4,
		BootstrapWindow:       30 * time.Second,
		MinObservations:       6,
		PairIdleTimeout:       60 * time.Second,
		GeometryContradiction: 1.0,

		GraphVarianceCeiling: 1e-6, // seconds^2 ceiling before NoSyncPath
		GraphHopBias:         1e-12,

		CorrelationWindow: 2 * time.Millisecond,
		GroupCloseDelay:   500 * time.Millisecond,
		MinGroupReceivers: 3,
		HammingTolerance:  1,

		LMInitialLambda:  1e-3,
		LMLambdaUp:       10.0,
		LMLambdaDown:     10.0,
		LMMaxIterations:  20,
		LMStepTolerance:  1.0,
		AltitudeVariance: 10.0, // m^2
		MaxAltitude:      18000.0,
		ChiSqThreshold:   25.0,
		MaxSemiMajorAxis: 10000.0,
		CollinearityCap:  1e6,
		SolverBudget:     10 * time.Millisecond,

		TrackMahalanobisGate: 5.0,
		TrackTimeout:         30 * time.Second,
		TrackReuseWindow:     10 * time.Second,

		SolverQueueHighWater: 256,
		SolverWorkers:        4,
	}
}

// LoadConfig reads a YAML file over DefaultConfig, so a partial file only
// overrides the fields it sets.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
