package vuser

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"surgelab/internal/config"
)

// Factory builds virtual-user populations from a test definition. Region,
// device and network class are assigned by independent weighted draws, so
// a population matches the configured percentages only within statistical
// tolerance, never exactly.
type Factory struct {
	def    *config.TestDefinition
	mu     sync.Mutex // guards rng: Spawn is called from session goroutines
	rng    *rand.Rand
	logger *zap.Logger

	regions  weightedSet
	devices  weightedSet
	networks weightedSet
}

// NewFactory validates the definition and prepares the weighted tables.
// The seed makes population generation reproducible; pass the definition
// seed, or any fixed value in tests.
func NewFactory(def *config.TestDefinition, seed int64, logger *zap.Logger) (*Factory, error) {
	if def.Concurrency <= 0 {
		return nil, &config.ConfigError{Field: "concurrency", Reason: "must be positive"}
	}
	if len(def.Endpoints) == 0 {
		return nil, &config.ConfigError{Field: "endpoints", Reason: "at least one endpoint required"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Factory{
		def:      def,
		rng:      rand.New(rand.NewSource(seed)),
		logger:   logger,
		devices:  newWeightedSet(def.Behavior.Devices),
		networks: newWeightedSet(def.Behavior.Networks),
	}
	if len(def.Regions) > 0 {
		shares := make(map[string]float64, len(def.Regions))
		for name, s := range def.Regions {
			shares[name] = s.Percent
		}
		f.regions = newWeightedSet(shares)
	}
	return f, nil
}

// Build produces n virtual users. Each user gets a child rand derived
// from the factory stream, so per-user behavior stays deterministic under
// a fixed seed regardless of goroutine interleaving.
func (f *Factory) Build(n int) []*VirtualUser {
	users := make([]*VirtualUser, 0, n)
	for i := 0; i < n; i++ {
		users = append(users, f.next())
	}
	f.logger.Debug("built virtual user population", zap.Int("count", n))
	return users
}

// Spawn creates a single replacement user.
func (f *Factory) Spawn() *VirtualUser {
	return f.next()
}

func (f *Factory) next() *VirtualUser {
	f.mu.Lock()
	defer f.mu.Unlock()

	b := f.def.Behavior
	u := &VirtualUser{
		ID:       uuid.NewString(),
		Region:   f.regions.pick(f.rng),
		Device:   f.devices.pick(f.rng),
		Network:  f.networks.pick(f.rng),
		ThinkMin: b.ThinkMin.Duration(),
		ThinkMax: b.ThinkMax.Duration(),
		Rand:     rand.New(rand.NewSource(f.rng.Int63())),
	}
	u.SessionDuration = drawDuration(u.Rand, b.SessionMin.Duration(), b.SessionMax.Duration())
	u.SetState(StateIdle)
	return u
}

func drawDuration(rng *rand.Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rng.Int63n(int64(max-min)))
}

// weightedSet is a cumulative-weight table with stable key order, so the
// same seed always walks the same sequence.
type weightedSet struct {
	keys []string
	cum  []float64
	sum  float64
}

func newWeightedSet(weights map[string]float64) weightedSet {
	keys := make([]string, 0, len(weights))
	for k := range weights {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ws := weightedSet{keys: keys}
	for _, k := range keys {
		ws.sum += weights[k]
		ws.cum = append(ws.cum, ws.sum)
	}
	return ws
}

// pick draws uniformly in [0, sum) and returns the first key whose
// cumulative weight exceeds the draw.
func (ws weightedSet) pick(rng *rand.Rand) string {
	if len(ws.keys) == 0 || ws.sum <= 0 {
		return ""
	}
	draw := rng.Float64() * ws.sum
	for i, c := range ws.cum {
		if draw < c {
			return ws.keys[i]
		}
	}
	return ws.keys[len(ws.keys)-1]
}

// Describe summarizes the configured distributions for logging.
func (f *Factory) Describe() string {
	return fmt.Sprintf("regions=%d devices=%d networks=%d",
		len(f.regions.keys), len(f.devices.keys), len(f.networks.keys))
}
