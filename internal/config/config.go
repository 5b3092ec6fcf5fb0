package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical analysis defaults file.
// This is the single source of truth for all default analysis values.
const DefaultConfigPath = "config/analysis.defaults.json"

// Default thresholds for the mode detector. Detector construction fails when
// a threshold is absent, so anything feeding it must resolve values through
// the Get* accessors below rather than reading fields directly.
const (
	DefaultTPSWOTThresholdPct     = 80.0
	DefaultMAPWOTThresholdKPA     = 85.0
	DefaultRPMIdleCeiling         = 1400.0
	DefaultTPSIdleCeilingPct      = 3.0
	DefaultMAPIdleCeilingKPA      = 40.0
	DefaultTPSRateTipInPctPerSec  = 120.0
	DefaultMAPRateTipInKPAPerSec  = 60.0
	DefaultDecelTPSMaxPct         = 2.0
	DefaultDecelRPMMin            = 2200.0
	DefaultDecelRPMMax            = 7000.0
	DefaultECTHotThresholdC       = 110.0
	DefaultIATHotThresholdC       = 60.0
	DefaultHeatSoakMinDurationSec = 20.0
)

// Default surface grid and aggregation parameters.
const (
	DefaultMinSamplesPerCell = 3
)

// Default spark-valley parameters. ValleyMinMeaningfulDepthDeg is the depth
// at which a valley reaches full depth confidence; shallower valleys scale
// linearly down.
const (
	DefaultHighMAPMinKPA               = 80.0
	DefaultValleyMinMeaningfulDepthDeg = 3.0
)

// Default planner parameters. CoverageCompleteThreshold is the coverage
// fraction below which a region is reported as a gap.
const (
	DefaultCoverageCompleteThreshold = 0.60
	DefaultSessionRPMMin             = 1000.0
	DefaultSessionRPMMax             = 7000.0
	DefaultSessionMAPMinKPA          = 20.0
	DefaultSessionMAPMaxKPA          = 100.0
	DefaultMaxPullsPerSession        = 8
)

// defaultRPMBinCenters covers the rev range of a big-bore V-twin in 500 rpm
// steps. defaultMAPBinCenters spans idle vacuum to full load in 10 kPa steps.
var (
	defaultRPMBinCenters = []float64{1000, 1500, 2000, 2500, 3000, 3500, 4000, 4500, 5000, 5500, 6000, 6500, 7000}
	defaultMAPBinCenters = []float64{20, 30, 40, 50, 60, 70, 80, 90, 100}
)

// AnalysisConfig represents the root configuration for analysis parameters.
// The schema matches the /api/analysis/params endpoint so the same JSON can
// be used for both startup configuration and runtime inspection.
type AnalysisConfig struct {
	// Mode detector thresholds
	TPSWOTThresholdPct     *float64 `json:"tps_wot_threshold_pct,omitempty"`
	MAPWOTThresholdKPA     *float64 `json:"map_wot_threshold_kpa,omitempty"`
	RPMIdleCeiling         *float64 `json:"rpm_idle_ceiling,omitempty"`
	TPSIdleCeilingPct      *float64 `json:"tps_idle_ceiling_pct,omitempty"`
	MAPIdleCeilingKPA      *float64 `json:"map_idle_ceiling_kpa,omitempty"`
	TPSRateTipInPctPerSec  *float64 `json:"tps_rate_tipin_threshold,omitempty"`
	MAPRateTipInKPAPerSec  *float64 `json:"map_rate_tipin_threshold,omitempty"`
	DecelTPSMaxPct         *float64 `json:"decel_tps_max_pct,omitempty"`
	DecelRPMMin            *float64 `json:"decel_rpm_min,omitempty"`
	DecelRPMMax            *float64 `json:"decel_rpm_max,omitempty"`
	ECTHotThresholdC       *float64 `json:"ect_hot_threshold_c,omitempty"`
	IATHotThresholdC       *float64 `json:"iat_hot_threshold_c,omitempty"`
	HeatSoakMinDurationSec *float64 `json:"heat_soak_min_duration_s,omitempty"`

	// Surface grid params
	RPMBinCenters     []float64 `json:"rpm_bin_centers,omitempty"`
	MAPBinCenters     []float64 `json:"map_bin_centers,omitempty"`
	MinSamplesPerCell *int      `json:"min_samples_per_cell,omitempty"`

	// Spark valley params
	HighMAPMinKPA               *float64 `json:"high_map_min_kpa,omitempty"`
	ValleyMinMeaningfulDepthDeg *float64 `json:"valley_min_meaningful_depth_deg,omitempty"`

	// Planner params
	CoverageCompleteThreshold *float64 `json:"coverage_complete_threshold,omitempty"`
	SessionRPMMin             *float64 `json:"session_rpm_min,omitempty"`
	SessionRPMMax             *float64 `json:"session_rpm_max,omitempty"`
	SessionMAPMinKPA          *float64 `json:"session_map_min_kpa,omitempty"`
	SessionMAPMaxKPA          *float64 `json:"session_map_max_kpa,omitempty"`
	MaxPullsPerSession        *int     `json:"max_pulls_per_session,omitempty"`

	// Housekeeping params
	PayloadCacheTTL   *string `json:"payload_cache_ttl,omitempty"`   // duration string like "24h", empty = keep forever
	StaleRunRetention *string `json:"stale_run_retention,omitempty"` // duration string like "720h"
	PruneInterval     *string `json:"prune_interval,omitempty"`      // duration string like "1h"
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }
func ptrString(v string) *string    { return &v }

// EmptyAnalysisConfig returns an AnalysisConfig with all fields set to nil.
// The Get* accessors supply defaults for every unset field.
func EmptyAnalysisConfig() *AnalysisConfig {
	return &AnalysisConfig{}
}

// LoadAnalysisConfig loads an AnalysisConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size. Fields omitted from the JSON file retain their default
// values, so partial configs are safe.
func LoadAnalysisConfig(path string) (*AnalysisConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyAnalysisConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical analysis defaults from
// DefaultConfigPath. It searches for the file in the current directory and
// common parent directories. Panics if the file cannot be loaded, intended
// for test setup.
func MustLoadDefaultConfig() *AnalysisConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/analysis/surface/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadAnalysisConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *AnalysisConfig) Validate() error {
	if c.TPSWOTThresholdPct != nil {
		if *c.TPSWOTThresholdPct <= 0 || *c.TPSWOTThresholdPct > 100 {
			return fmt.Errorf("tps_wot_threshold_pct must be in (0, 100], got %f", *c.TPSWOTThresholdPct)
		}
	}
	if c.MinSamplesPerCell != nil && *c.MinSamplesPerCell < 1 {
		return fmt.Errorf("min_samples_per_cell must be at least 1, got %d", *c.MinSamplesPerCell)
	}
	if c.CoverageCompleteThreshold != nil {
		if *c.CoverageCompleteThreshold <= 0 || *c.CoverageCompleteThreshold > 1 {
			return fmt.Errorf("coverage_complete_threshold must be in (0, 1], got %f", *c.CoverageCompleteThreshold)
		}
	}
	if c.ValleyMinMeaningfulDepthDeg != nil && *c.ValleyMinMeaningfulDepthDeg <= 0 {
		return fmt.Errorf("valley_min_meaningful_depth_deg must be positive, got %f", *c.ValleyMinMeaningfulDepthDeg)
	}
	if c.MaxPullsPerSession != nil && *c.MaxPullsPerSession < 1 {
		return fmt.Errorf("max_pulls_per_session must be at least 1, got %d", *c.MaxPullsPerSession)
	}
	if len(c.RPMBinCenters) == 1 {
		return fmt.Errorf("rpm_bin_centers needs at least 2 centers, got 1")
	}
	if len(c.MAPBinCenters) == 1 {
		return fmt.Errorf("map_bin_centers needs at least 2 centers, got 1")
	}
	if err := validateAscending("rpm_bin_centers", c.RPMBinCenters); err != nil {
		return err
	}
	if err := validateAscending("map_bin_centers", c.MAPBinCenters); err != nil {
		return err
	}
	if c.DecelRPMMin != nil && c.DecelRPMMax != nil && *c.DecelRPMMin >= *c.DecelRPMMax {
		return fmt.Errorf("decel_rpm_min %f must be below decel_rpm_max %f", *c.DecelRPMMin, *c.DecelRPMMax)
	}
	for _, d := range []struct {
		name string
		val  *string
	}{
		{"payload_cache_ttl", c.PayloadCacheTTL},
		{"stale_run_retention", c.StaleRunRetention},
		{"prune_interval", c.PruneInterval},
	} {
		if d.val != nil && *d.val != "" {
			if _, err := time.ParseDuration(*d.val); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", d.name, *d.val, err)
			}
		}
	}
	return nil
}

func validateAscending(name string, centers []float64) error {
	for i := 1; i < len(centers); i++ {
		if centers[i] <= centers[i-1] {
			return fmt.Errorf("%s must be strictly ascending, got %f after %f", name, centers[i], centers[i-1])
		}
	}
	return nil
}

// GetTPSWOTThresholdPct returns the tps_wot_threshold_pct value or the default.
func (c *AnalysisConfig) GetTPSWOTThresholdPct() float64 {
	if c.TPSWOTThresholdPct == nil {
		return DefaultTPSWOTThresholdPct
	}
	return *c.TPSWOTThresholdPct
}

// GetMAPWOTThresholdKPA returns the map_wot_threshold_kpa value or the default.
func (c *AnalysisConfig) GetMAPWOTThresholdKPA() float64 {
	if c.MAPWOTThresholdKPA == nil {
		return DefaultMAPWOTThresholdKPA
	}
	return *c.MAPWOTThresholdKPA
}

// GetRPMIdleCeiling returns the rpm_idle_ceiling value or the default.
func (c *AnalysisConfig) GetRPMIdleCeiling() float64 {
	if c.RPMIdleCeiling == nil {
		return DefaultRPMIdleCeiling
	}
	return *c.RPMIdleCeiling
}

// GetTPSIdleCeilingPct returns the tps_idle_ceiling_pct value or the default.
func (c *AnalysisConfig) GetTPSIdleCeilingPct() float64 {
	if c.TPSIdleCeilingPct == nil {
		return DefaultTPSIdleCeilingPct
	}
	return *c.TPSIdleCeilingPct
}

// GetMAPIdleCeilingKPA returns the map_idle_ceiling_kpa value or the default.
func (c *AnalysisConfig) GetMAPIdleCeilingKPA() float64 {
	if c.MAPIdleCeilingKPA == nil {
		return DefaultMAPIdleCeilingKPA
	}
	return *c.MAPIdleCeilingKPA
}

// GetTPSRateTipInPctPerSec returns the tps_rate_tipin_threshold value or the default.
func (c *AnalysisConfig) GetTPSRateTipInPctPerSec() float64 {
	if c.TPSRateTipInPctPerSec == nil {
		return DefaultTPSRateTipInPctPerSec
	}
	return *c.TPSRateTipInPctPerSec
}

// GetMAPRateTipInKPAPerSec returns the map_rate_tipin_threshold value or the default.
func (c *AnalysisConfig) GetMAPRateTipInKPAPerSec() float64 {
	if c.MAPRateTipInKPAPerSec == nil {
		return DefaultMAPRateTipInKPAPerSec
	}
	return *c.MAPRateTipInKPAPerSec
}

// GetDecelTPSMaxPct returns the decel_tps_max_pct value or the default.
func (c *AnalysisConfig) GetDecelTPSMaxPct() float64 {
	if c.DecelTPSMaxPct == nil {
		return DefaultDecelTPSMaxPct
	}
	return *c.DecelTPSMaxPct
}

// GetDecelRPMMin returns the decel_rpm_min value or the default.
func (c *AnalysisConfig) GetDecelRPMMin() float64 {
	if c.DecelRPMMin == nil {
		return DefaultDecelRPMMin
	}
	return *c.DecelRPMMin
}

// GetDecelRPMMax returns the decel_rpm_max value or the default.
func (c *AnalysisConfig) GetDecelRPMMax() float64 {
	if c.DecelRPMMax == nil {
		return DefaultDecelRPMMax
	}
	return *c.DecelRPMMax
}

// GetECTHotThresholdC returns the ect_hot_threshold_c value or the default.
func (c *AnalysisConfig) GetECTHotThresholdC() float64 {
	if c.ECTHotThresholdC == nil {
		return DefaultECTHotThresholdC
	}
	return *c.ECTHotThresholdC
}

// GetIATHotThresholdC returns the iat_hot_threshold_c value or the default.
func (c *AnalysisConfig) GetIATHotThresholdC() float64 {
	if c.IATHotThresholdC == nil {
		return DefaultIATHotThresholdC
	}
	return *c.IATHotThresholdC
}

// GetHeatSoakMinDurationSec returns the heat_soak_min_duration_s value or the default.
func (c *AnalysisConfig) GetHeatSoakMinDurationSec() float64 {
	if c.HeatSoakMinDurationSec == nil {
		return DefaultHeatSoakMinDurationSec
	}
	return *c.HeatSoakMinDurationSec
}

// GetRPMBinCenters returns the rpm_bin_centers value or the default grid.
// The returned slice is a copy; callers may not mutate shared state.
func (c *AnalysisConfig) GetRPMBinCenters() []float64 {
	src := c.RPMBinCenters
	if len(src) == 0 {
		src = defaultRPMBinCenters
	}
	out := make([]float64, len(src))
	copy(out, src)
	return out
}

// GetMAPBinCenters returns the map_bin_centers value or the default grid.
// The returned slice is a copy; callers may not mutate shared state.
func (c *AnalysisConfig) GetMAPBinCenters() []float64 {
	src := c.MAPBinCenters
	if len(src) == 0 {
		src = defaultMAPBinCenters
	}
	out := make([]float64, len(src))
	copy(out, src)
	return out
}

// GetMinSamplesPerCell returns the min_samples_per_cell value or the default.
func (c *AnalysisConfig) GetMinSamplesPerCell() int {
	if c.MinSamplesPerCell == nil {
		return DefaultMinSamplesPerCell
	}
	return *c.MinSamplesPerCell
}

// GetHighMAPMinKPA returns the high_map_min_kpa value or the default.
func (c *AnalysisConfig) GetHighMAPMinKPA() float64 {
	if c.HighMAPMinKPA == nil {
		return DefaultHighMAPMinKPA
	}
	return *c.HighMAPMinKPA
}

// GetValleyMinMeaningfulDepthDeg returns the valley_min_meaningful_depth_deg value or the default.
func (c *AnalysisConfig) GetValleyMinMeaningfulDepthDeg() float64 {
	if c.ValleyMinMeaningfulDepthDeg == nil {
		return DefaultValleyMinMeaningfulDepthDeg
	}
	return *c.ValleyMinMeaningfulDepthDeg
}

// GetCoverageCompleteThreshold returns the coverage_complete_threshold value or the default.
func (c *AnalysisConfig) GetCoverageCompleteThreshold() float64 {
	if c.CoverageCompleteThreshold == nil {
		return DefaultCoverageCompleteThreshold
	}
	return *c.CoverageCompleteThreshold
}

// GetSessionRPMMin returns the session_rpm_min value or the default.
func (c *AnalysisConfig) GetSessionRPMMin() float64 {
	if c.SessionRPMMin == nil {
		return DefaultSessionRPMMin
	}
	return *c.SessionRPMMin
}

// GetSessionRPMMax returns the session_rpm_max value or the default.
func (c *AnalysisConfig) GetSessionRPMMax() float64 {
	if c.SessionRPMMax == nil {
		return DefaultSessionRPMMax
	}
	return *c.SessionRPMMax
}

// GetSessionMAPMinKPA returns the session_map_min_kpa value or the default.
func (c *AnalysisConfig) GetSessionMAPMinKPA() float64 {
	if c.SessionMAPMinKPA == nil {
		return DefaultSessionMAPMinKPA
	}
	return *c.SessionMAPMinKPA
}

// GetSessionMAPMaxKPA returns the session_map_max_kpa value or the default.
func (c *AnalysisConfig) GetSessionMAPMaxKPA() float64 {
	if c.SessionMAPMaxKPA == nil {
		return DefaultSessionMAPMaxKPA
	}
	return *c.SessionMAPMaxKPA
}

// GetMaxPullsPerSession returns the max_pulls_per_session value or the default.
func (c *AnalysisConfig) GetMaxPullsPerSession() int {
	if c.MaxPullsPerSession == nil {
		return DefaultMaxPullsPerSession
	}
	return *c.MaxPullsPerSession
}

// GetPayloadCacheTTL parses and returns the payload cache TTL.
// Zero means cached payloads never expire.
func (c *AnalysisConfig) GetPayloadCacheTTL() time.Duration {
	if c.PayloadCacheTTL == nil || *c.PayloadCacheTTL == "" {
		return 0
	}
	d, err := time.ParseDuration(*c.PayloadCacheTTL)
	if err != nil {
		return 0
	}
	return d
}

// GetStaleRunRetention parses and returns the stale run retention window.
func (c *AnalysisConfig) GetStaleRunRetention() time.Duration {
	if c.StaleRunRetention == nil || *c.StaleRunRetention == "" {
		return 720 * time.Hour // default: 30 days
	}
	d, err := time.ParseDuration(*c.StaleRunRetention)
	if err != nil {
		return 720 * time.Hour
	}
	return d
}

// GetPruneInterval parses and returns the housekeeping interval.
func (c *AnalysisConfig) GetPruneInterval() time.Duration {
	if c.PruneInterval == nil || *c.PruneInterval == "" {
		return time.Hour // default
	}
	d, err := time.ParseDuration(*c.PruneInterval)
	if err != nil {
		return time.Hour
	}
	return d
}
