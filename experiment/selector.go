// Package experiment decides which chunking strategy a document gets,
// including deterministic A/B bucketing for chunker experiments.
package experiment

import (
	"hash/fnv"
	"math/rand"
	"time"
)

type Strategy int

const (
	// StrategySmart is the rule-based chunker.
	StrategySmart Strategy = iota
	// StrategySemantic is the LLM-assisted chunker.
	StrategySemantic
	// StrategyLate is semantic chunking plus late-chunking pooling.
	StrategyLate
	// StrategyAuto resolves to the global default at selection time.
	StrategyAuto
)

func (s Strategy) String() string {
	switch s {
	case StrategySmart:
		return "smart"
	case StrategySemantic:
		return "semantic"
	case StrategyLate:
		return "late"
	case StrategyAuto:
		return "auto"
	default:
		return "unknown"
	}
}

// ParseStrategy maps stored strategy names to the enum. Unknown values
// resolve to Auto rather than failing the caller.
func ParseStrategy(name string) Strategy {
	switch name {
	case "smart":
		return StrategySmart
	case "semantic":
		return StrategySemantic
	case "late":
		return StrategyLate
	default:
		return StrategyAuto
	}
}

type Variant string

const (
	VariantNone      Variant = ""
	VariantControl   Variant = "control"
	VariantTreatment Variant = "treatment"
)

type Reason string

const (
	ReasonGlobalSetting Reason = "global_setting"
	ReasonABTest        Reason = "ab_test"
	ReasonFixedStrategy Reason = "fixed_strategy"
)

// Config is one chatbot's chunking experiment configuration.
type Config struct {
	Strategy               Strategy
	ABTestEnabled          bool
	SemanticTrafficPercent int
	StartsAt               *time.Time
	EndsAt                 *time.Time
}

// Decision is logged downstream with every chunking run.
type Decision struct {
	Strategy Strategy
	Variant  Variant
	Reason   Reason
}

// Selector resolves a strategy per (chatbot config, document). The global
// default is semantic when the AI-chunking feature is enabled, smart
// otherwise.
type Selector struct {
	semanticEnabled bool
	now             func() time.Time
	randomPercent   func() int
}

func NewSelector(semanticEnabled bool) *Selector {
	return &Selector{
		semanticEnabled: semanticEnabled,
		now:             time.Now,
		randomPercent:   func() int { return rand.Intn(100) },
	}
}

// Select applies the decision order: no active config uses the global
// default; A/B-enabled configs bucket deterministically by documentID; a
// fixed strategy wins otherwise, with Auto resolving to the global default.
func (s *Selector) Select(cfg *Config, documentID string) Decision {
	if cfg == nil || !s.active(cfg) {
		return Decision{Strategy: s.globalDefault(), Reason: ReasonGlobalSetting}
	}

	if cfg.ABTestEnabled {
		percent := clampPercent(cfg.SemanticTrafficPercent)
		if documentID == "" {
			// Without a stable key the bucket degrades to uniform random per
			// call and is not reproducible.
			if s.randomPercent() < percent {
				return Decision{Strategy: StrategySemantic, Variant: VariantTreatment, Reason: ReasonABTest}
			}
			return Decision{Strategy: StrategySmart, Variant: VariantControl, Reason: ReasonABTest}
		}
		variant := ConsistentVariant(documentID, percent)
		if variant == VariantTreatment {
			return Decision{Strategy: StrategySemantic, Variant: VariantTreatment, Reason: ReasonABTest}
		}
		return Decision{Strategy: StrategySmart, Variant: VariantControl, Reason: ReasonABTest}
	}

	strategy := cfg.Strategy
	if strategy == StrategyAuto {
		return Decision{Strategy: s.globalDefault(), Reason: ReasonGlobalSetting}
	}
	return Decision{Strategy: strategy, Reason: ReasonFixedStrategy}
}

func (s *Selector) globalDefault() Strategy {
	if s.semanticEnabled {
		return StrategySemantic
	}
	return StrategySmart
}

func (s *Selector) active(cfg *Config) bool {
	now := s.now()
	if cfg.StartsAt != nil && now.Before(*cfg.StartsAt) {
		return false
	}
	if cfg.EndsAt != nil && now.After(*cfg.EndsAt) {
		return false
	}
	return true
}

// ConsistentVariant buckets a document into [0,100) with FNV-1a and compares
// against the treatment traffic percentage. Identical inputs always produce
// the identical variant, so reprocessing a document keeps its bucket.
func ConsistentVariant(documentID string, percent int) Variant {
	if Bucket(documentID) < clampPercent(percent) {
		return VariantTreatment
	}
	return VariantControl
}

// Bucket hashes documentID into [0,100).
func Bucket(documentID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(documentID))
	return int(h.Sum32() % 100)
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
