package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Overflow policies for the request worker pool.
const (
	OverflowQueue  = "queue"
	OverflowReject = "reject"
)

// Enforcement failure thresholds for the regression verdict.
const (
	FailOnAny      = "any"
	FailOnCritical = "critical"
	FailOnAll      = "all"
)

// Duration wraps time.Duration so YAML definitions can say "30s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v))
	default:
		return fmt.Errorf("invalid duration %v", raw)
	}
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Endpoint is one weighted target of the generated load.
type Endpoint struct {
	Name           string            `yaml:"name" json:"name"`
	URL            string            `yaml:"url" json:"url"`
	Method         string            `yaml:"method" json:"method"`
	Body           string            `yaml:"body,omitempty" json:"body,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Weight         float64           `yaml:"weight" json:"weight"`
	ExpectedStatus int               `yaml:"expected_status" json:"expected_status"`
	Timeout        Duration          `yaml:"timeout" json:"timeout"`
	Retries        int               `yaml:"retries" json:"retries"`
	Category       string            `yaml:"category,omitempty" json:"category,omitempty"`
}

// RegionShare assigns a percentage of the virtual-user population to a
// region, with reference coordinates for distance-aware targets.
type RegionShare struct {
	Percent   float64 `yaml:"percent" json:"percent"`
	Latitude  float64 `yaml:"latitude,omitempty" json:"latitude,omitempty"`
	Longitude float64 `yaml:"longitude,omitempty" json:"longitude,omitempty"`
}

// DelayRange bounds the simulated network delay for one network class.
type DelayRange struct {
	Min Duration `yaml:"min" json:"min"`
	Max Duration `yaml:"max" json:"max"`
}

// BehaviorProfile describes how a virtual user behaves between requests.
type BehaviorProfile struct {
	ThinkMin      Duration              `yaml:"think_min" json:"think_min"`
	ThinkMax      Duration              `yaml:"think_max" json:"think_max"`
	SessionMin    Duration              `yaml:"session_min" json:"session_min"`
	SessionMax    Duration              `yaml:"session_max" json:"session_max"`
	Devices       map[string]float64    `yaml:"devices,omitempty" json:"devices,omitempty"`
	Networks      map[string]float64    `yaml:"networks,omitempty" json:"networks,omitempty"`
	NetworkDelays map[string]DelayRange `yaml:"network_delays,omitempty" json:"network_delays,omitempty"`
}

// PerformanceTargets are the pass criteria evaluated against the final
// metrics of a run.
type PerformanceTargets struct {
	P50              Duration `yaml:"p50" json:"p50"`
	P95              Duration `yaml:"p95" json:"p95"`
	P99              Duration `yaml:"p99" json:"p99"`
	ThroughputFloor  float64  `yaml:"throughput_floor" json:"throughput_floor"`
	ErrorRateCeiling float64  `yaml:"error_rate_ceiling" json:"error_rate_ceiling"`
	AvailabilityMin  float64  `yaml:"availability_min" json:"availability_min"`
}

// PoolConfig bounds real outbound concurrency, decoupled from the number
// of simulated users.
type PoolConfig struct {
	Workers    int            `yaml:"workers" json:"workers"`
	QueueSize  int            `yaml:"queue_size" json:"queue_size"`
	Overflow   string         `yaml:"overflow" json:"overflow"`
	Categories map[string]int `yaml:"categories,omitempty" json:"categories,omitempty"`
}

// SinkConfig configures one alert delivery sink.
type SinkConfig struct {
	Type string `yaml:"type" json:"type"` // console, file, webhook
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
	URL  string `yaml:"url,omitempty" json:"url,omitempty"`
}

// AlertingConfig controls violation notifications.
type AlertingConfig struct {
	Enabled bool         `yaml:"enabled" json:"enabled"`
	Sinks   []SinkConfig `yaml:"sinks,omitempty" json:"sinks,omitempty"`
}

// ThresholdConfig is the regression tolerance for one metric key.
type ThresholdConfig struct {
	Relative float64 `yaml:"relative" json:"relative"` // percent change
	Absolute float64 `yaml:"absolute,omitempty" json:"absolute,omitempty"`
}

// EnforcementConfig decides how violations turn into a verdict.
type EnforcementConfig struct {
	Enabled          bool   `yaml:"enabled" json:"enabled"`
	FailureThreshold string `yaml:"failure_threshold" json:"failure_threshold"`
}

// RegressionConfig couples thresholds with the verdict policy.
type RegressionConfig struct {
	Thresholds  map[string]ThresholdConfig `yaml:"thresholds,omitempty" json:"thresholds,omitempty"`
	Default     ThresholdConfig            `yaml:"default" json:"default"`
	Enforcement EnforcementConfig          `yaml:"enforcement" json:"enforcement"`
	Baseline    string                     `yaml:"baseline,omitempty" json:"baseline,omitempty"` // version, empty = latest
}

// TestDefinition is the immutable description of one load test. Callers
// must Validate before handing it to the engine; the engine never mutates
// it after that.
type TestDefinition struct {
	Name        string                 `yaml:"name" json:"name"`
	Concurrency int                    `yaml:"concurrency" json:"concurrency"`
	RampUp      Duration               `yaml:"ramp_up" json:"ramp_up"`
	Steady      Duration               `yaml:"steady" json:"steady"`
	RampDown    Duration               `yaml:"ramp_down" json:"ramp_down"`
	Seed        int64                  `yaml:"seed,omitempty" json:"seed,omitempty"`
	Replace     bool                   `yaml:"replace_users" json:"replace_users"`
	Endpoints   []Endpoint             `yaml:"endpoints" json:"endpoints"`
	Regions     map[string]RegionShare `yaml:"regions,omitempty" json:"regions,omitempty"`
	Behavior    BehaviorProfile        `yaml:"behavior" json:"behavior"`
	Targets     PerformanceTargets     `yaml:"targets" json:"targets"`
	Pool        PoolConfig             `yaml:"pool" json:"pool"`
	Alerting    AlertingConfig         `yaml:"alerting" json:"alerting"`
	Regression  RegressionConfig       `yaml:"regression" json:"regression"`
}

// ConfigError marks a malformed TestDefinition. It is fatal: a test with
// a config error never starts.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Load reads a TestDefinition from a YAML file.
func Load(path string) (*TestDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def TestDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &def, nil
}

// Validate checks the definition and fills defaults. Weight and percentage
// sets are normalized in place so they sum to 100.
func (d *TestDefinition) Validate() error {
	if d.Name == "" {
		return &ConfigError{"name", "required"}
	}
	if d.Concurrency <= 0 {
		return &ConfigError{"concurrency", "must be positive"}
	}
	if len(d.Endpoints) == 0 {
		return &ConfigError{"endpoints", "at least one endpoint required"}
	}
	if d.Steady <= 0 {
		return &ConfigError{"steady", "must be positive"}
	}
	for i := range d.Endpoints {
		ep := &d.Endpoints[i]
		if ep.URL == "" {
			return &ConfigError{fmt.Sprintf("endpoints[%d].url", i), "required"}
		}
		if ep.Weight < 0 {
			return &ConfigError{fmt.Sprintf("endpoints[%d].weight", i), "must not be negative"}
		}
		if ep.Name == "" {
			ep.Name = fmt.Sprintf("endpoint-%d", i)
		}
		if ep.Method == "" {
			ep.Method = "GET"
		}
		if ep.ExpectedStatus == 0 {
			ep.ExpectedStatus = 200
		}
		if ep.Timeout <= 0 {
			ep.Timeout = Duration(10 * time.Second)
		}
		if ep.Category == "" {
			ep.Category = "general"
		}
	}
	if err := normalizeEndpointWeights(d.Endpoints); err != nil {
		return err
	}
	if len(d.Regions) > 0 {
		if err := normalizePercentMap("regions", shareToPercent(d.Regions), func(k string, v float64) {
			s := d.Regions[k]
			s.Percent = v
			d.Regions[k] = s
		}); err != nil {
			return err
		}
	}
	d.Behavior.applyDefaults()
	if len(d.Behavior.Devices) > 0 {
		if err := normalizePercentMap("behavior.devices", d.Behavior.Devices, func(k string, v float64) {
			d.Behavior.Devices[k] = v
		}); err != nil {
			return err
		}
	}
	if len(d.Behavior.Networks) > 0 {
		if err := normalizePercentMap("behavior.networks", d.Behavior.Networks, func(k string, v float64) {
			d.Behavior.Networks[k] = v
		}); err != nil {
			return err
		}
	}
	d.Pool.applyDefaults(d.Concurrency)
	if d.Pool.Overflow != OverflowQueue && d.Pool.Overflow != OverflowReject {
		return &ConfigError{"pool.overflow", fmt.Sprintf("unknown policy %q", d.Pool.Overflow)}
	}
	switch d.Regression.Enforcement.FailureThreshold {
	case "", FailOnAny, FailOnCritical, FailOnAll:
		if d.Regression.Enforcement.FailureThreshold == "" {
			d.Regression.Enforcement.FailureThreshold = FailOnAny
		}
	default:
		return &ConfigError{"regression.enforcement.failure_threshold",
			fmt.Sprintf("unknown policy %q", d.Regression.Enforcement.FailureThreshold)}
	}
	return nil
}

// TotalDuration is ramp-up + steady + ramp-down.
func (d *TestDefinition) TotalDuration() time.Duration {
	return d.RampUp.Duration() + d.Steady.Duration() + d.RampDown.Duration()
}

// RegionNames returns region keys in stable order.
func (d *TestDefinition) RegionNames() []string {
	names := make([]string, 0, len(d.Regions))
	for name := range d.Regions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *BehaviorProfile) applyDefaults() {
	if b.ThinkMin <= 0 {
		b.ThinkMin = Duration(1 * time.Second)
	}
	if b.ThinkMax < b.ThinkMin {
		b.ThinkMax = Duration(3 * time.Second)
	}
	if b.ThinkMax < b.ThinkMin {
		b.ThinkMax = b.ThinkMin
	}
	if b.SessionMin <= 0 {
		b.SessionMin = Duration(30 * time.Second)
	}
	if b.SessionMax < b.SessionMin {
		b.SessionMax = b.SessionMin
	}
	if len(b.Devices) == 0 {
		b.Devices = map[string]float64{"desktop": 40, "mobile": 50, "tablet": 10}
	}
	if len(b.Networks) == 0 {
		b.Networks = map[string]float64{"broadband": 45, "wifi": 30, "4g": 20, "3g": 5}
	}
}

func (p *PoolConfig) applyDefaults(concurrency int) {
	if p.Workers <= 0 {
		p.Workers = concurrency
		if p.Workers > 256 {
			p.Workers = 256
		}
	}
	if p.QueueSize <= 0 {
		p.QueueSize = p.Workers * 4
	}
	if p.Overflow == "" {
		p.Overflow = OverflowQueue
	}
}

func normalizeEndpointWeights(eps []Endpoint) error {
	var total float64
	for _, ep := range eps {
		total += ep.Weight
	}
	if total <= 0 {
		return &ConfigError{"endpoints", "weights must sum to a positive value"}
	}
	for i := range eps {
		eps[i].Weight = eps[i].Weight / total * 100
	}
	return nil
}

func normalizePercentMap(field string, m map[string]float64, set func(string, float64)) error {
	var total float64
	for _, v := range m {
		if v < 0 {
			return &ConfigError{field, "percentages must not be negative"}
		}
		total += v
	}
	if total <= 0 {
		return &ConfigError{field, "percentages must sum to a positive value"}
	}
	for k, v := range m {
		set(k, v/total*100)
	}
	return nil
}

func shareToPercent(m map[string]RegionShare) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v.Percent
	}
	return out
}
