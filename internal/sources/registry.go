package sources

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantsignals/signalforge/internal/config"
)

// Registry holds the guarded sources keyed by ID along with their
// consensus weights. Eligibility per symbol per cycle is decided here:
// class support, enablement, and the equity session gate.
type Registry struct {
	sources map[string]*GuardedSource
	weights map[string]float64
	log     zerolog.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]*GuardedSource),
		weights: make(map[string]float64),
		log:     config.NewLogger("source_registry"),
	}
}

// Register adds a source. Duplicate IDs are a wiring bug.
func (r *Registry) Register(src Source, cfg config.SourceConfig, cache *VerdictCache) error {
	id := src.ID()
	if _, exists := r.sources[id]; exists {
		return fmt.Errorf("source %q already registered", id)
	}
	if !cfg.Enabled {
		r.log.Info().Str("source", id).Msg("Source disabled, skipping registration")
		return nil
	}
	r.sources[id] = NewGuardedSource(src, cfg, cache)
	r.weights[id] = cfg.Weight
	r.log.Info().
		Str("source", id).
		Float64("weight", cfg.Weight).
		Msg("Registered data source")
	return nil
}

// Weight returns the consensus weight of a source.
func (r *Registry) Weight(id string) float64 { return r.weights[id] }

// Len returns the number of enabled sources.
func (r *Registry) Len() int { return len(r.sources) }

// Eligible returns the sources to consult for a symbol at a point in
// time, in stable ID order so cycles are deterministic.
func (r *Registry) Eligible(symbol string, now time.Time) []*GuardedSource {
	class := ClassOf(symbol)
	inSession := InRegularSession(now)

	var out []*GuardedSource
	for _, src := range r.sources {
		caps := src.Capabilities()
		if !caps.SupportsClass(class) {
			continue
		}
		if class == ClassEquity && caps.StocksSessionOnly && !inSession {
			continue
		}
		out = append(out, src)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
