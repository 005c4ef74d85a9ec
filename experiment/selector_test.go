package experiment

import (
	"testing"
	"time"
)

func newTestSelector(semanticEnabled bool, randomPercent func() int) *Selector {
	s := NewSelector(semanticEnabled)
	s.now = func() time.Time { return time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC) }
	if randomPercent != nil {
		s.randomPercent = randomPercent
	}
	return s
}

func TestSelectGlobalDefaultWithoutConfig(t *testing.T) {
	if d := newTestSelector(true, nil).Select(nil, "doc-1"); d.Strategy != StrategySemantic || d.Reason != ReasonGlobalSetting {
		t.Fatalf("unexpected decision %+v", d)
	}
	if d := newTestSelector(false, nil).Select(nil, "doc-1"); d.Strategy != StrategySmart || d.Reason != ReasonGlobalSetting {
		t.Fatalf("unexpected decision %+v", d)
	}
}

func TestSelectIgnoresInactiveConfig(t *testing.T) {
	s := newTestSelector(false, nil)

	past := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	future := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)

	ended := &Config{Strategy: StrategyLate, EndsAt: &past}
	if d := s.Select(ended, "doc-1"); d.Strategy != StrategySmart || d.Reason != ReasonGlobalSetting {
		t.Fatalf("ended config should fall back to the global default, got %+v", d)
	}

	notStarted := &Config{Strategy: StrategyLate, StartsAt: &future}
	if d := s.Select(notStarted, "doc-1"); d.Strategy != StrategySmart || d.Reason != ReasonGlobalSetting {
		t.Fatalf("not-yet-started config should fall back to the global default, got %+v", d)
	}

	window := &Config{Strategy: StrategyLate, StartsAt: &past, EndsAt: &future}
	if d := s.Select(window, "doc-1"); d.Strategy != StrategyLate || d.Reason != ReasonFixedStrategy {
		t.Fatalf("in-window config should apply, got %+v", d)
	}
}

func TestSelectFixedStrategy(t *testing.T) {
	s := newTestSelector(true, nil)

	if d := s.Select(&Config{Strategy: StrategyLate}, "doc-1"); d.Strategy != StrategyLate || d.Reason != ReasonFixedStrategy || d.Variant != VariantNone {
		t.Fatalf("unexpected decision %+v", d)
	}
	if d := s.Select(&Config{Strategy: StrategyAuto}, "doc-1"); d.Strategy != StrategySemantic || d.Reason != ReasonGlobalSetting {
		t.Fatalf("auto should resolve to the global default, got %+v", d)
	}
}

func TestSelectABTestIsDeterministicPerDocument(t *testing.T) {
	s := newTestSelector(false, nil)
	cfg := &Config{ABTestEnabled: true, SemanticTrafficPercent: 50}

	first := s.Select(cfg, "doc-42")
	for i := 0; i < 20; i++ {
		if got := s.Select(cfg, "doc-42"); got != first {
			t.Fatalf("bucketing must be stable across calls: %+v vs %+v", got, first)
		}
	}
	if first.Reason != ReasonABTest {
		t.Fatalf("expected ab_test reason, got %s", first.Reason)
	}
	switch first.Variant {
	case VariantTreatment:
		if first.Strategy != StrategySemantic {
			t.Fatalf("treatment must map to semantic, got %+v", first)
		}
	case VariantControl:
		if first.Strategy != StrategySmart {
			t.Fatalf("control must map to smart, got %+v", first)
		}
	default:
		t.Fatalf("unexpected variant %q", first.Variant)
	}
}

func TestConsistentVariantBoundaryPercents(t *testing.T) {
	if v := ConsistentVariant("doc-42", 0); v != VariantControl {
		t.Fatalf("0%% treatment traffic must bucket to control, got %s", v)
	}
	if v := ConsistentVariant("doc-42", 100); v != VariantTreatment {
		t.Fatalf("100%% treatment traffic must bucket to treatment, got %s", v)
	}
	if ConsistentVariant("doc-42", 50) != ConsistentVariant("doc-42", 50) {
		t.Fatal("the same document and percent must always bucket identically")
	}
}

func TestBucketRange(t *testing.T) {
	ids := []string{"", "a", "doc-1", "doc-42", "tenant/dataset/document", "한국어-문서"}
	for _, id := range ids {
		if b := Bucket(id); b < 0 || b >= 100 {
			t.Fatalf("bucket for %q out of range: %d", id, b)
		}
	}
}

func TestSelectABTestWithoutDocumentIDUsesRandomBucket(t *testing.T) {
	cfg := &Config{ABTestEnabled: true, SemanticTrafficPercent: 30}

	s := newTestSelector(false, func() int { return 29 })
	if d := s.Select(cfg, ""); d.Variant != VariantTreatment || d.Strategy != StrategySemantic {
		t.Fatalf("percent below threshold should land in treatment, got %+v", d)
	}

	s = newTestSelector(false, func() int { return 30 })
	if d := s.Select(cfg, ""); d.Variant != VariantControl || d.Strategy != StrategySmart {
		t.Fatalf("percent at threshold should land in control, got %+v", d)
	}
}

func TestSelectClampsTrafficPercent(t *testing.T) {
	s := newTestSelector(false, nil)

	if d := s.Select(&Config{ABTestEnabled: true, SemanticTrafficPercent: 150}, "doc-42"); d.Variant != VariantTreatment {
		t.Fatalf("percent above 100 should clamp to always-treatment, got %+v", d)
	}
	if d := s.Select(&Config{ABTestEnabled: true, SemanticTrafficPercent: -10}, "doc-42"); d.Variant != VariantControl {
		t.Fatalf("negative percent should clamp to always-control, got %+v", d)
	}
}

func TestParseStrategyRoundTrip(t *testing.T) {
	for _, strategy := range []Strategy{StrategySmart, StrategySemantic, StrategyLate, StrategyAuto} {
		if got := ParseStrategy(strategy.String()); got != strategy {
			t.Fatalf("round trip failed for %s: got %s", strategy, got)
		}
	}
	if got := ParseStrategy("bogus"); got != StrategyAuto {
		t.Fatalf("unknown names must parse to auto, got %s", got)
	}
}
