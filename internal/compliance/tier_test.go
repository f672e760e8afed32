package compliance

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/lalithlochan/courier/internal/db"
)

func TestReportQualityScore_DowngradesOneLevel(t *testing.T) {
	h := newHarness(t)
	tenant := h.lead.TenantID
	h.store.tiers[tenant] = &db.MessagingTier{TenantID: tenant, TierLevel: 3, QualityScore: 4.0, Verified: true}

	change, err := h.engine.ReportQualityScore(context.Background(), tenant, 0.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !change.Downgraded || change.From != 3 || change.To != 2 {
		t.Fatalf("expected 3 -> 2, got %+v", change)
	}

	saved := h.store.tiers[tenant]
	if saved.TierLevel != 2 || saved.QualityScore != 0.5 {
		t.Errorf("stored tier = %+v", saved)
	}
	if !saved.Verified {
		t.Error("downgrade must not clear verification")
	}
	if len(h.notifier.changes) != 1 {
		t.Errorf("expected one notification, got %d", len(h.notifier.changes))
	}
	if len(h.auditor.events) != 1 || h.auditor.events[0] != "tier.downgraded" {
		t.Errorf("expected tier.downgraded audit, got %v", h.auditor.events)
	}
}

func TestReportQualityScore_HealthyScoreKeepsTier(t *testing.T) {
	h := newHarness(t)
	tenant := h.lead.TenantID
	h.store.tiers[tenant] = &db.MessagingTier{TenantID: tenant, TierLevel: 2, QualityScore: 3.2, Verified: true}

	change, err := h.engine.ReportQualityScore(context.Background(), tenant, 3.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if change.Downgraded || change.To != 2 {
		t.Fatalf("score equal to min_quality must keep the tier, got %+v", change)
	}
	if h.store.tiers[tenant].QualityScore != 3.0 {
		t.Error("quality score should still be stored")
	}
	if len(h.notifier.changes) != 0 || len(h.auditor.events) != 0 {
		t.Error("no notification or audit expected without a downgrade")
	}
}

func TestReportQualityScore_NeverBelowZero(t *testing.T) {
	h := newHarness(t)
	tenant := h.lead.TenantID
	ctx := context.Background()

	for _, score := range []float64{0.1, 0.1, 0.1, 0.1, 0.1} {
		if _, err := h.engine.ReportQualityScore(ctx, tenant, score); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if lvl := h.store.tiers[tenant].TierLevel; lvl != 0 {
		t.Fatalf("expected tier 0, got %d", lvl)
	}
}

func TestReportQualityScore_StepsDownWithoutSkipping(t *testing.T) {
	h := newHarness(t)
	tenant := h.lead.TenantID
	h.store.tiers[tenant] = &db.MessagingTier{TenantID: tenant, TierLevel: 3, QualityScore: 4.0, Verified: true}
	ctx := context.Background()

	var path []int
	for i := 0; i < 4; i++ {
		c, err := h.engine.ReportQualityScore(ctx, tenant, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		path = append(path, c.To)
	}

	want := []int{2, 1, 0, 0}
	for i := range want {
		if path[i] != want[i] {
			t.Fatalf("tier path = %v, want %v", path, want)
		}
	}
}

func TestReportQualityScore_ConcurrentReportsDowngradeOncePerReport(t *testing.T) {
	h := newHarness(t)
	tenant := h.lead.TenantID
	h.store.tiers[tenant] = &db.MessagingTier{TenantID: tenant, TierLevel: 3, QualityScore: 4.0, Verified: true}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.engine.ReportQualityScore(context.Background(), tenant, 1.0); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if lvl := h.store.tiers[tenant].TierLevel; lvl != 1 {
		t.Fatalf("two serialized breaches should land on tier 1, got %d", lvl)
	}
}

func TestReportQualityScore_RejectsOutOfRange(t *testing.T) {
	h := newHarness(t)
	for _, s := range []float64{-0.1, 5.1} {
		if _, err := h.engine.ReportQualityScore(context.Background(), h.lead.TenantID, s); !errors.Is(err, ErrInvalidQualityScore) {
			t.Errorf("score %v: expected ErrInvalidQualityScore, got %v", s, err)
		}
	}
}

func TestPolicy_Validate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}

	p := DefaultPolicy()
	p.Tiers[1].Level = 5
	if err := p.Validate(); err == nil {
		t.Error("expected error for out-of-order tiers")
	}

	p = DefaultPolicy()
	p.SessionWindow = 0
	if err := p.Validate(); err == nil {
		t.Error("expected error for zero session window")
	}
}
